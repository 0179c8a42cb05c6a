package devserver

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
)

// DefaultDebounce coalesces bursts of file events into one restart.
const DefaultDebounce = 300 * time.Millisecond

var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"dist":         {},
	"build":        {},
}

// Watch calls onChange after file activity under dir settles. It blocks until
// ctx is cancelled.
func Watch(ctx context.Context, dir string, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	log := pslog.Ctx(ctx).With("dir", dir)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addTree(watcher, dir); err != nil {
		return err
	}
	log.Debug("watching for changes")

	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "err", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if skipped(dir, ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addTree(watcher, ev.Name)
				}
			}
			log.Trace("file changed", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		}
	}
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, skip := skippedDirs[d.Name()]; skip && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func skipped(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	dir := rel
	for dir != "." && dir != string(filepath.Separator) && dir != "" {
		if _, skip := skippedDirs[filepath.Base(dir)]; skip {
			return true
		}
		dir = filepath.Dir(dir)
	}
	return false
}
