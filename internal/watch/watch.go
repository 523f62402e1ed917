// Package watch triggers syncs of local content:// subscriptions when the
// underlying file changes.
package watch

import (
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"icsync/internal/ics"
	appLog "icsync/internal/log"
)

const DefaultDebounce = 500 * time.Millisecond

// Trigger requests a sync and reports whether one was started.
type Trigger func(id int64) bool

// Watcher watches the parent directories of feed files so that editors
// which replace a file by rename are noticed too.
type Watcher struct {
	fs       *fsnotify.Watcher
	trigger  Trigger
	debounce time.Duration

	mu     sync.Mutex
	files  map[string][]int64
	dirs   map[string]struct{}
	timers map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

func New(trigger Trigger, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		fs:       fw,
		trigger:  trigger,
		debounce: debounce,
		files:    make(map[string][]int64),
		dirs:     make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// ContentPath returns the local file behind a content:// URL.
func ContentPath(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != ics.SchemeContent || u.Path == "" {
		return "", false
	}
	return filepath.Clean(u.Path), true
}

// Set replaces the watched files. files maps a path to the subscriptions
// reading it.
func (w *Watcher) Set(files map[string][]int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	want := make(map[string]struct{})
	w.files = make(map[string][]int64, len(files))
	for p, ids := range files {
		p = filepath.Clean(p)
		w.files[p] = append([]int64(nil), ids...)
		want[filepath.Dir(p)] = struct{}{}
	}

	for dir := range w.dirs {
		if _, ok := want[dir]; ok {
			continue
		}
		if err := w.fs.Remove(dir); err != nil {
			appLog.Debug("unwatch failed", "dir", dir, "error", err)
		}
		delete(w.dirs, dir)
	}
	for dir := range want {
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			appLog.Warn("cannot watch feed directory", "dir", dir, "error", err)
			continue
		}
		w.dirs[dir] = struct{}{}
	}
}

// Watched returns the number of watched directories.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule(filepath.Clean(ev.Name))
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			appLog.Error("file watch error", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[path]; !ok {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	ids := append([]int64(nil), w.files[path]...)
	w.mu.Unlock()

	for _, id := range ids {
		started := w.trigger(id)
		appLog.Debug("feed file changed", "id", id, "started", started)
	}
}
