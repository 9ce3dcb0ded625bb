package taskplan

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// fileWatcher reloads a Store from disk whenever tasks.json changes
// underneath it, watching the containing directory so atomic
// temp-then-rename writes (its own, or a hand edit) are caught.
type fileWatcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching the plan file for external changes. onChange is
// called after every successful reload, with the validation errors found
// (nil if the reloaded plan is consistent). Watch is idempotent; calling it
// twice replaces the prior watcher.
func (s *Store) Watch(onChange func(errs []error)) error {
	if s.watcher != nil {
		s.watcher.close()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}
	w := &fileWatcher{fsw: fsw, done: make(chan struct{})}
	s.watcher = w
	go s.watchLoop(w, onChange)
	return nil
}

func (s *Store) watchLoop(w *fileWatcher, onChange func(errs []error)) {
	defer func() { _ = w.fsw.Close() }()
	base := filepath.Base(s.path)
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() { s.onFileChanged(onChange) })
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("task plan watcher error", "err", err)
		}
	}
}

func (s *Store) onFileChanged(onChange func(errs []error)) {
	if err := s.reload(); err != nil {
		slog.Warn("reload task plan after external change", "err", err)
		return
	}
	if onChange != nil {
		onChange(s.Validate())
	}
}

// StopWatch tears down the watcher started by Watch, if any.
func (s *Store) StopWatch() {
	if s.watcher != nil {
		s.watcher.close()
		s.watcher = nil
	}
}

func (w *fileWatcher) close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
