package inventory

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange whenever the inventory file is changed by someone
// other than this store, including edits a store write merged before the
// event was seen. It watches the directory, since atomic replacement
// swaps the inode. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Our own write may already have merged the edit.
			changed := s.ChangedOnDisk()
			if merged := s.MergedExternal(); !changed && !merged {
				continue
			}
			s.logger.Info("inventory changed externally")
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("inventory watcher error", "error", err)
		}
	}
}
