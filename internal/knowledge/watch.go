package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the inventory cache whenever a memory file changes
// outside this process, for example when a memory is edited by hand. It
// creates the category directories if needed and blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	for _, c := range Categories {
		sub, _ := c.Dir()
		dir := filepath.Join(s.root, sub)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		// Skills live one level down.
		if c == CategorySkill {
			entries, _ := os.ReadDir(dir)
			for _, e := range entries {
				if e.IsDir() {
					s.addWatch(w, filepath.Join(dir, e.Name()))
				}
			}
		}
	}

	s.logger.Debug("watching memory root", "root", s.root)

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					s.addWatch(w, evt.Name)
				}
			}
			s.logger.Debug("memory changed", "path", evt.Name, "op", evt.Op.String())
			s.Invalidate()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("memory watcher error", "error", err)
		}
	}
}

func (s *Store) addWatch(w *fsnotify.Watcher, dir string) {
	if err := w.Add(dir); err != nil {
		s.logger.Debug("failed to watch directory", "path", dir, "error", err)
	}
}
