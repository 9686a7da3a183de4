package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch signals on the returned channel whenever a task file appears in the
// pending directory. Signals coalesce: a consumer that is busy sees at most
// one queued wake-up. The channel closes when ctx is done.
func (q *FileQueue) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create pending watcher: %w", err)
	}
	if err := w.Add(q.pendingDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", q.pendingDir, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 || !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				q.logger.Warn("pending watcher error", "err", err)
			}
		}
	}()
	return wake, nil
}
