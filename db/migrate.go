package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/sym"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// Migration is one embedded schema change. Files are named
// <version>_<name>.sql and apply in version order.
type Migration struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt string
	sql       string
}

// Migrations lists the embedded migrations, marking those already applied
// to database.
func Migrations(database *sql.DB) ([]Migration, error) {
	all, err := embedded()
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(database)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if at, ok := applied[all[i].Version]; ok {
			all[i].Applied = true
			all[i].AppliedAt = at
		}
	}
	return all, nil
}

// Migrate applies pending migrations, each in its own transaction, and
// returns how many ran.
func Migrate(database *sql.DB, log *zap.SugaredLogger) (int, error) {
	all, err := Migrations(database)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, m := range all {
		if m.Applied {
			continue
		}
		if log != nil {
			log.Infow(sym.DB+" Applying migration", "version", m.Version, "name", m.Name)
		}
		if err := apply(database, m); err != nil {
			return ran, err
		}
		ran++
	}
	if log != nil && ran > 0 {
		log.Infow(sym.DB+" Schema up to date", "applied", ran, "total", len(all))
	}
	return ran, nil
}

func apply(database *sql.DB, m Migration) error {
	tx, err := database.Begin()
	if err != nil {
		return errors.Wrapf(err, "migration %s: begin", m.Version)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return errors.Wrapf(err, "migration %s_%s", m.Version, m.Name)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return errors.Wrapf(err, "migration %s: record version", m.Version)
	}
	return errors.Wrapf(tx.Commit(), "migration %s: commit", m.Version)
}

func embedded() ([]Migration, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read embedded migrations")
	}
	var out []Migration
	for _, entry := range entries {
		file := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(file, ".sql") {
			continue
		}
		version, name, ok := strings.Cut(strings.TrimSuffix(file, ".sql"), "_")
		if !ok {
			return nil, errors.Newf("migration %s: expected <version>_<name>.sql", file)
		}
		body, err := migrationFS.ReadFile(path.Join(migrationDir, file))
		if err != nil {
			return nil, errors.Wrapf(err, "read migration %s", file)
		}
		out = append(out, Migration{Version: version, Name: name, sql: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// appliedVersions maps applied versions to their timestamps. A database
// without schema_migrations has nothing applied.
func appliedVersions(database *sql.DB) (map[string]string, error) {
	var n int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`,
	).Scan(&n)
	if err != nil {
		return nil, errors.Wrap(err, "inspect schema")
	}
	applied := make(map[string]string)
	if n == 0 {
		return applied, nil
	}

	rows, err := database.Query(`SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[version] = at
	}
	return applied, errors.Wrap(rows.Err(), "read schema_migrations")
}
