package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/teranos/erpsync/am"
	"github.com/teranos/erpsync/db"
	"github.com/teranos/erpsync/engine"
	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/source"
)

// openDatabase opens and migrates the database at dbPath. If dbPath is
// empty, the path comes from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		dbPath = cfg.GetDatabasePath()
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory %s", dir)
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// openEngine loads config, opens the database and builds an engine over
// both. The returned func stops the engine and closes the database.
func openEngine(opts ...engine.Option) (*engine.Engine, func(), error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, err
	}

	e, err := engine.New(cfg, database, append([]engine.Option{engine.WithLogger(logger.Logger)}, opts...)...)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return e, func() {
		e.Stop()
		database.Close()
	}, nil
}

// signalContext is cancelled on the first SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// sourceArg checks that name is a registered source type.
func sourceArg(e *engine.Engine, name string) (source.Type, error) {
	st := source.Type(name)
	if _, err := e.Coordinator().Adapter(st); err != nil {
		err := errors.Wrapf(errors.ErrInvalidRequest, "unknown source %q (configured: %v)", name, e.Coordinator().SourceTypes())
		return "", errors.WithHintf(err, "declare it under [sources.%s] in am.toml", name)
	}
	return st, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. An empty value is nil.
func parseDate(flag, value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, errors.NewInvalidRequestError("--%s: %q is neither YYYY-MM-DD nor RFC 3339", flag, value)
}

// dateRange parses --from and --to and rejects an inverted range.
func dateRange(from, to string) (*time.Time, *time.Time, error) {
	f, err := parseDate("from", from)
	if err != nil {
		return nil, nil, err
	}
	t, err := parseDate("to", to)
	if err != nil {
		return nil, nil, err
	}
	if f != nil && t != nil && f.After(*t) {
		return nil, nil, errors.NewInvalidRequestError("--from %s is after --to %s", from, to)
	}
	return f, t, nil
}

// formatTime renders an optional timestamp for tables.
func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
