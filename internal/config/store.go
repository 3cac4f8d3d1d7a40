package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/redphone/redphoned/internal/quiethours"
)

// reloadSettle coalesces the burst of fsnotify events an editor or atomic
// rename produces into a single reload.
const reloadSettle = 200 * time.Millisecond

// Store holds the current Settings and swaps them atomically on reload.
// Readers always see a complete settings value, never a partial update.
type Store struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Settings]
}

// NewStore loads the settings file and returns a store positioned on it.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	st := &Store{
		path:   path,
		logger: logger.With("subsystem", "config"),
	}
	st.current.Store(s)
	return st, nil
}

// Settings returns the current settings snapshot.
func (st *Store) Settings() *Settings {
	return st.current.Load()
}

// Window returns the current quiet-hours window. Suitable as the call state
// machine's window function: each evaluation sees one consistent window.
func (st *Store) Window() quiethours.Window {
	return st.current.Load().QuietHours
}

// Reload re-reads the settings file. On parse or validation failure the
// previous settings stay in effect.
func (st *Store) Reload() error {
	s, err := LoadSettings(st.path)
	if err != nil {
		return err
	}
	st.current.Store(s)
	st.logger.Info("settings reloaded", "file", st.path)
	return nil
}

// Raw returns the settings file contents as stored on disk.
func (st *Store) Raw() ([]byte, error) {
	return os.ReadFile(st.path)
}

// Update validates the given INI contents, writes them to the settings file,
// and makes them current. Invalid contents leave both the file and the
// in-memory settings untouched.
func (st *Store) Update(data []byte) error {
	s, err := ParseSettings(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(st.path, data, 0o600); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	st.current.Store(s)
	st.logger.Info("settings updated", "file", st.path)
	return nil
}

// Watch hot-reloads the settings file until the context is cancelled.
// Editors and config management tools typically replace the file by rename,
// so the watch covers the parent directory.
func (st *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(st.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching settings directory: %w", err)
	}

	go func() {
		defer watcher.Close()

		var settle *time.Timer
		var settleCh <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(st.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if settle == nil {
					settle = time.NewTimer(reloadSettle)
					settleCh = settle.C
				} else {
					settle.Reset(reloadSettle)
				}

			case <-settleCh:
				settle = nil
				settleCh = nil
				if err := st.Reload(); err != nil {
					st.logger.Warn("settings reload failed, keeping previous", "error", err)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				st.logger.Warn("settings watcher error", "error", err)
			}
		}
	}()

	st.logger.Info("watching settings file", "file", st.path)
	return nil
}
