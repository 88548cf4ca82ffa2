package batch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the scheduler whenever the schedule file changes, until ctx
// is done. The parent directory is watched so editors that replace the file
// are picked up. An invalid file keeps the previous schedules.
func (s *Scheduler) Watch(ctx context.Context, path string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		f, err := LoadScheduleFile(path)
		if err != nil {
			s.logger.Warn("schedule file invalid, keeping previous schedules", zap.String("path", path), zap.Error(err))
			return
		}
		if err := s.Reload(f.Schedules); err != nil {
			s.logger.Warn("schedule reload failed", zap.Error(err))
			return
		}
		s.logger.Info("schedules reloaded", zap.String("path", path), zap.Int("schedules", len(f.Schedules)))
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("schedule watcher error", zap.Error(err))
		}
	}
}
