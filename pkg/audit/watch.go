package audit

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies a subscriber whenever the audit log file gains new
// entries, for readers that want to follow the chain live (a CLI `tail`
// equivalent, or a daemon dashboard) instead of polling Iterate.
type Watcher struct {
	fsw *fsnotify.Watcher
	ch  chan struct{}
}

// Watch opens an fsnotify watch on the storage's log file. Events
// coalesce: a burst of appends wakes the channel at most once per
// drain, so a slow subscriber never falls behind a fast writer.
func (f *FileStorage) Watch() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create audit log watcher: %w", err)
	}
	if err := fsw.Add(f.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch audit directory: %w", err)
	}

	w := &Watcher{fsw: fsw, ch: make(chan struct{}, 1)}
	go w.run(f.logPath)
	return w, nil
}

func (w *Watcher) run(logPath string) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != logPath {
				continue
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			select {
			case w.ch <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Notify returns the channel that receives a value after each batch of
// appends to the watched log file.
func (w *Watcher) Notify() <-chan struct{} {
	return w.ch
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
