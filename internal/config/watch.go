package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the file whenever it changes on disk and calls onChange with
// the new configuration. Changes written by the store itself are ignored.
// The directory is watched rather than the file so editors that replace the
// file by rename are still seen. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Str("op", "watch").Msg("config watcher error")
		case <-pending:
			pending = nil
			changed, err := s.Reload()
			if err != nil {
				s.log.Warn().Err(err).Str("op", "reload").Msg("config reload failed, keeping previous settings")
				continue
			}
			if changed {
				s.log.Info().Str("path", s.path).Msg("config reloaded")
				if onChange != nil {
					onChange(s.Snapshot())
				}
			}
		}
	}
}
