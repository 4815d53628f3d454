// Package watcher turns filesystem activity under the skill directories into
// debounced change notifications.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/skillreg/pkg/logger"
)

// DefaultDebounce is the quiet period after the last event before a
// notification fires.
const DefaultDebounce = 500 * time.Millisecond

// DefaultExcludes are base-name globs for editor, VCS and staging noise.
var DefaultExcludes = []string{
	".git",
	".DS_Store",
	"*.swp",
	"*.swx",
	"*~",
	"4913",
	"*.tmp",
	".*.tmp-*",
	".*.import-*",
	".*.deleting-*",
	".*.replaced-*",
}

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("watcher already started")

// Watcher watches a set of directories and files. It is single use: once
// stopped it cannot be restarted.
type Watcher struct {
	debounce time.Duration
	excludes []glob.Glob

	fs       *fsnotify.Watcher
	log      *logrus.Entry
	onChange func(paths []string)

	mu      sync.Mutex
	targets []string
	watches map[string]*watchEntry
	pending map[string]struct{}
	timer   *time.Timer
	gen     uint64
	started bool
	stopped bool

	stopOnce sync.Once
	done     chan struct{}
	inflight sync.WaitGroup
}

// watchEntry describes what is interesting inside one watched directory.
type watchEntry struct {
	// all accepts every non-excluded entry; otherwise only names match.
	all   bool
	names map[string]bool
	// root directories get newly created subdirectories watched too.
	root bool
}

// Option configures a Watcher
type Option func(*Watcher) error

// WithDebounce sets the quiet period. Non-positive values keep the default.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) error {
		if d > 0 {
			w.debounce = d
		}
		return nil
	}
}

// WithExcludes adds base-name glob patterns to ignore.
func WithExcludes(patterns ...string) Option {
	return func(w *Watcher) error {
		return w.addExcludes(patterns)
	}
}

// New creates a watcher with the default excludes.
func New(opts ...Option) (*Watcher, error) {
	w := &Watcher{
		debounce: DefaultDebounce,
		watches:  map[string]*watchEntry{},
		pending:  map[string]struct{}{},
		done:     make(chan struct{}),
	}
	if err := w.addExcludes(DefaultExcludes); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addExcludes(patterns []string) error {
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return errors.Wrapf(err, "invalid exclude pattern %q", p)
		}
		w.excludes = append(w.excludes, g)
	}
	return nil
}

// Start begins watching paths. Each directory is watched together with its
// immediate subdirectories; a file is watched through its parent; a missing
// path is watched through its nearest existing ancestor until it appears.
// onChange receives the sorted set of paths that changed during one quiet
// period. It runs on a background goroutine and should only schedule work.
// Cancelling ctx stops event delivery like Stop, without waiting.
func (w *Watcher) Start(ctx context.Context, paths []string, onChange func(paths []string)) error {
	if onChange == nil {
		return errors.New("onChange callback is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	w.fs = fsw
	w.log = logger.G(ctx)
	w.onChange = onChange
	w.started = true

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		w.targets = append(w.targets, abs)
		w.arm(abs)
	}

	go w.loop(ctx)
	return nil
}

// Notify injects a synthetic change for path, subject to the same debounce
// as real events.
func (w *Watcher) Notify(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopped {
		return
	}
	w.schedule(path)
}

// Stop cancels any pending notification, stops watching and waits for a
// callback that is already running. No callback starts after Stop returns.
// It must not be called from inside the callback.
func (w *Watcher) Stop() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return
	}

	w.stopOnce.Do(w.shutdown)
	<-w.done
	w.inflight.Wait()
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = map[string]struct{}{}
	w.gen++
	w.mu.Unlock()

	if err := w.fs.Close(); err != nil {
		w.log.WithError(err).Debug("failed to close file watcher")
	}
}

// WatchedDirs returns the directories currently registered, sorted.
func (w *Watcher) WatchedDirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, 0, len(w.watches))
	for d := range w.watches {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// arm registers the watches for one target. Callers hold w.mu.
func (w *Watcher) arm(target string) {
	info, err := os.Stat(target)
	switch {
	case err == nil && info.IsDir():
		w.watchDir(target, true)
		entries, err := os.ReadDir(target)
		if err != nil {
			w.log.WithError(err).WithField("path", target).Debug("failed to list watched directory")
			return
		}
		for _, e := range entries {
			if w.isExcluded(e.Name()) {
				continue
			}
			w.watchIfDir(filepath.Join(target, e.Name()))
		}
	case err == nil:
		w.watchName(filepath.Dir(target), filepath.Base(target))
	case os.IsNotExist(err):
		child := target
		for parent := filepath.Dir(child); parent != child; child, parent = parent, filepath.Dir(parent) {
			if st, err := os.Stat(parent); err == nil && st.IsDir() {
				w.watchName(parent, filepath.Base(child))
				return
			}
		}
	default:
		w.log.WithError(err).WithField("path", target).Warn("cannot watch path")
	}
}

func (w *Watcher) watchIfDir(path string) {
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		w.watchDir(path, false)
	}
}

func (w *Watcher) watchDir(dir string, root bool) {
	entry, ok := w.watches[dir]
	if !ok {
		if !w.add(dir) {
			return
		}
		entry = &watchEntry{}
		w.watches[dir] = entry
	}
	entry.all = true
	entry.root = entry.root || root
}

func (w *Watcher) watchName(dir, name string) {
	entry, ok := w.watches[dir]
	if !ok {
		if !w.add(dir) {
			return
		}
		entry = &watchEntry{}
		w.watches[dir] = entry
	}
	if entry.names == nil {
		entry.names = map[string]bool{}
	}
	entry.names[name] = true
}

func (w *Watcher) add(dir string) bool {
	if err := w.fs.Add(dir); err != nil {
		w.log.WithError(err).WithField("path", dir).Debug("failed to watch directory")
		return false
	}
	return true
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.stopOnce.Do(w.shutdown)
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("file watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	name := filepath.Base(ev.Name)
	dir := filepath.Dir(ev.Name)

	// The watched directory itself went away.
	if _, self := w.watches[ev.Name]; self && ev.Has(fsnotify.Remove|fsnotify.Rename) {
		delete(w.watches, ev.Name)
		w.rearm()
		w.schedule(ev.Name)
		return
	}

	entry, ok := w.watches[dir]
	if !ok {
		return
	}
	matched := entry.names[name]
	if !matched && (!entry.all || w.isExcluded(name)) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if entry.root {
			w.watchIfDir(ev.Name)
		}
		if matched {
			// A missing target or one of its ancestors appeared.
			w.rearm()
		}
	}
	if ev.Has(fsnotify.Remove | fsnotify.Rename) {
		if _, watched := w.watches[ev.Name]; watched {
			delete(w.watches, ev.Name)
			w.rearm()
		}
	}

	w.schedule(ev.Name)
}

func (w *Watcher) rearm() {
	for _, t := range w.targets {
		w.arm(t)
	}
}

func (w *Watcher) isExcluded(name string) bool {
	for _, g := range w.excludes {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// schedule records path and restarts the debounce timer. Callers hold w.mu.
func (w *Watcher) schedule(path string) {
	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(gen) })
}

func (w *Watcher) fire(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.pending = map[string]struct{}{}
	w.timer = nil
	w.inflight.Add(1)
	cb := w.onChange
	w.mu.Unlock()

	defer w.inflight.Done()
	w.log.WithField("paths", len(paths)).Debug("change detected")
	cb(paths)
}
