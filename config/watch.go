package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"acestream-mux/logger"
)

// Store hands out the current settings snapshot. Snapshot returns the same
// pointer until a reload swaps it, so a stream manager that grabbed one keeps
// a stable view for its whole lifetime.
type Store struct {
	path    string
	current atomic.Pointer[Settings]
	watcher *fsnotify.Watcher
	logger  logger.Logger
}

func NewStore(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default
	}

	settings, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}

	store := &Store{
		path:   path,
		logger: log,
	}
	store.current.Store(settings)
	return store, nil
}

func (s *Store) Snapshot() *Settings {
	return s.current.Load()
}

// Watch reloads the snapshot whenever the settings file changes. It is a
// no-op when the store was built without a file path.
func (s *Store) Watch() error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				settings, err := LoadSettings(s.path)
				if err != nil {
					s.logger.Errorf("Settings reload failed: %v", err)
					continue
				}
				s.current.Store(settings)
				s.logger.Logf("Settings reloaded from %s", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Errorf("Settings watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (s *Store) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
