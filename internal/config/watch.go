package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchRules reloads the mapping file whenever it changes and hands the
// parsed result to onChange. The parent directory is watched rather than
// the file itself, so editors that replace the file via rename keep
// working. A short debounce absorbs write bursts; a file that fails to
// parse is logged and skipped, leaving the previous rules in effect.
func WatchRules(ctx context.Context, path string, logger *log.Logger, onChange func(*Rules)) error {
	if path == "" || onChange == nil {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		const debounce = 250 * time.Millisecond
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("mapping file watch error: %v", err)
			case <-fire:
				rules, err := LoadRules(path)
				if err != nil {
					logger.Printf("mapping file reload skipped: %v", err)
					continue
				}
				logger.Printf("mapping file %s reloaded", path)
				onChange(rules)
			}
		}
	}()
	return nil
}
