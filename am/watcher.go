package am

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/logger"
)

// ReloadCallback receives each validated reload. An error is logged and
// does not stop later callbacks.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the configuration when a config file changes.
//
// The parent directory is watched rather than the file, because editors
// that save by rename replace the inode a file watch is attached to.
// Bursts of events are collapsed into one reload, and writes that leave
// the content unchanged are ignored.
type ConfigWatcher struct {
	path     string
	fsw      *fsnotify.Watcher
	debounce time.Duration
	loader   func() (*Config, error)

	mu        sync.Mutex
	callbacks []ReloadCallback
	digest    [sha256.Size]byte
	started   bool

	stop chan struct{}
	done chan struct{}
}

// NewConfigWatcher prepares a watcher for the config file at path.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve config path %s", path)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", abs)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}
	return &ConfigWatcher{
		path:     abs,
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
		loader: func() (*Config, error) {
			Reset()
			return Load()
		},
		digest: sha256.Sum256(content),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// OnReload registers a callback. Callbacks run in registration order.
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

// Start begins watching in the background.
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.started {
		return
	}
	cw.started = true
	go cw.loop()
}

// Stop ends watching and waits for an in-progress reload to finish.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	select {
	case <-cw.stop:
		cw.mu.Unlock()
		return nil
	default:
	}
	close(cw.stop)
	started := cw.started
	cw.mu.Unlock()

	err := cw.fsw.Close()
	if started {
		<-cw.done
	}
	return err
}

func (cw *ConfigWatcher) loop() {
	defer close(cw.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-cw.stop:
			return

		case ev, ok := <-cw.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			logger.Debugw("Config file event", logger.FieldPath, ev.Name, "op", ev.Op.String())
			timer.Reset(cw.debounce)

		case <-timer.C:
			if err := cw.reload(); err != nil {
				logger.Errorw("Config reload failed; keeping current configuration",
					logger.FieldPath, cw.path, logger.FieldError, err)
			}

		case err, ok := <-cw.fsw.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// reload loads and validates the configuration, then hands it to the
// callbacks. A file that disappeared or did not change is skipped.
func (cw *ConfigWatcher) reload() error {
	content, err := os.ReadFile(cw.path)
	if os.IsNotExist(err) {
		// mid-rename; the Create that follows triggers another reload
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	digest := sha256.Sum256(content)

	cw.mu.Lock()
	unchanged := bytes.Equal(digest[:], cw.digest[:])
	cw.mu.Unlock()
	if unchanged {
		return nil
	}

	cfg, err := cw.loader()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid")
	}

	cw.mu.Lock()
	cw.digest = digest
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	logger.Infow("Config reloaded", logger.FieldPath, cw.path, "callbacks", len(callbacks))
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			logger.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}
