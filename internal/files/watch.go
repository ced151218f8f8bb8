package files

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a file change notification.
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventChange EventKind = "change"
	EventRemove EventKind = "remove"
)

// ChangeHandler receives change notifications with root-relative paths.
type ChangeHandler func(kind EventKind, path string)

type watch struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
	// known holds the root-relative paths present in the tree. Only the run
	// goroutine touches it once the watch starts. Atomic replacement arrives
	// as a Create on the target, so a Create on a known path is a change.
	known map[string]bool
}

// Watch starts change notification for the tree and delivers events to fn.
// Dotfiles and dependency caches are ignored. Calling Watch again replaces
// the previous watch and releases its handles.
func (f *FS) Watch(fn ChangeHandler) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	known := make(map[string]bool)
	err = filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == f.root {
			return fsw.Add(path)
		}
		if skipName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		known[f.rel(path)] = true
		if !d.IsDir() {
			return nil
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w := &watch{fsw: fsw, done: make(chan struct{}), known: known}

	f.mu.Lock()
	prev := f.watcher
	f.watcher = w
	f.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go f.run(w, fn)
	return nil
}

// Unwatch stops change notification. It is a no-op when not watching.
func (f *FS) Unwatch() {
	f.mu.Lock()
	w := f.watcher
	f.watcher = nil
	f.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

// Watching reports whether a watch is active.
func (f *FS) Watching() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watcher != nil
}

func (w *watch) stop() {
	w.fsw.Close()
	<-w.done
}

func (f *FS) run(w *watch, fn ChangeHandler) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			f.dispatch(w, ev, fn)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (f *FS) dispatch(w *watch, ev fsnotify.Event, fn ChangeHandler) {
	rel := f.rel(ev.Name)
	if rel == "." || strings.HasPrefix(rel, "..") || hiddenOrSkipped(rel) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
		if w.known[rel] {
			fn(EventChange, rel)
			return
		}
		w.known[rel] = true
		fn(EventAdd, rel)
	case ev.Has(fsnotify.Write):
		w.known[rel] = true
		fn(EventChange, rel)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.forget(rel)
		fn(EventRemove, rel)
	}
}

// forget drops rel and, for a directory, everything below it.
func (w *watch) forget(rel string) {
	delete(w.known, rel)
	prefix := rel + "/"
	for p := range w.known {
		if strings.HasPrefix(p, prefix) {
			delete(w.known, p)
		}
	}
}
