package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces bursts of file events (editors frequently emit
// several writes per save) into a single Reload.
const defaultDebounce = 300 * time.Millisecond

// Watch starts a goroutine that watches the config tree for changes and
// calls Reload after a debounce window, until ctx is canceled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := []string{r.root, r.root + "/analyses", r.root + "/corrective"}
	for _, d := range dirs {
		_ = watcher.Add(d)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerCh <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(defaultDebounce)
				timerCh = timer.C
			case <-timerCh:
				timerCh = nil
				r.Reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
