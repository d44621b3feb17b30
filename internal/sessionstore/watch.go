package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange once per debounce window after files under the
// session directory stop changing. onChange is expected to save and upload
// the session; writes made while it runs, and for one debounce window after,
// are its own and do not trigger another call. Watch blocks until ctx ends.
// A non-positive debounce or a nil onChange disables watching.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, onChange func(context.Context) error) error {
	if debounce <= 0 || onChange == nil {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("sessionstore: create %s: %w", s.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sessionstore: watcher: %w", err)
	}
	defer watcher.Close()
	if err := addTree(watcher, s.dir); err != nil {
		return err
	}
	s.logger.Debug("session.watch.start", "dir", s.dir, "debounce", debounce)

	var (
		fire       <-chan time.Time
		quietUntil time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(ev.Name), tempPrefix) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addTree(watcher, ev.Name)
				}
			}
			if s.clock.Now().Before(quietUntil) {
				continue
			}
			s.logger.Trace("session.watch.event", "path", ev.Name, "op", ev.Op.String())
			fire = s.clock.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("session.watch.error", "error", err)
		case <-fire:
			fire = nil
			_ = addTree(watcher, s.dir)
			if err := onChange(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("session.watch.change_failed", "error", err)
			}
			quietUntil = s.clock.Now().Add(debounce)
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("sessionstore: watch %s: %w", p, err)
		}
		return nil
	})
}
