// Package engine is the entry point front ends use. It owns one registry,
// one installer, one lock file store and an optional watcher, all built
// from a single agent catalog.
package engine

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/skillreg/pkg/catalog"
	"github.com/jingkaihe/skillreg/pkg/installer"
	"github.com/jingkaihe/skillreg/pkg/logger"
	"github.com/jingkaihe/skillreg/pkg/manifest"
	"github.com/jingkaihe/skillreg/pkg/pathutil"
	"github.com/jingkaihe/skillreg/pkg/registry"
	"github.com/jingkaihe/skillreg/pkg/skills"
	"github.com/jingkaihe/skillreg/pkg/watcher"
)

var (
	// ErrSkillNotFound is returned when no skill matches an ID or path.
	ErrSkillNotFound = errors.New("skill not found")
	// ErrWatching is returned by Start when watching is already active.
	ErrWatching = errors.New("engine is already watching")
)

// Watcher is the change source used by Start. *watcher.Watcher satisfies it.
type Watcher interface {
	Start(ctx context.Context, paths []string, onChange func(paths []string)) error
	Stop()
}

// Engine ties the components together. Mutations request a rescan once they
// finish, so subscribers see their effect without polling.
type Engine struct {
	catalog   *catalog.Catalog
	store     *manifest.Store
	scanner   *registry.Scanner
	registry  *registry.Registry
	installer *installer.Manager

	newWatcher func() (Watcher, error)

	mu      sync.Mutex
	watcher Watcher
}

type options struct {
	scanner    []registry.ScannerOption
	manifest   []manifest.Option
	installer  []installer.Option
	watcher    []watcher.Option
	newWatcher func() (Watcher, error)
}

// Option configures an Engine
type Option func(*options) error

// WithScannerOptions passes options through to the registry scanner.
func WithScannerOptions(opts ...registry.ScannerOption) Option {
	return func(o *options) error {
		o.scanner = append(o.scanner, opts...)
		return nil
	}
}

// WithManifestOptions passes options through to the lock file store.
func WithManifestOptions(opts ...manifest.Option) Option {
	return func(o *options) error {
		o.manifest = append(o.manifest, opts...)
		return nil
	}
}

// WithClock sets the time source for snapshots and manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		o.scanner = append(o.scanner, registry.WithClock(now))
		o.installer = append(o.installer, installer.WithClock(now))
		return nil
	}
}

// WithWatcherOptions passes options to the default watcher.
func WithWatcherOptions(opts ...watcher.Option) Option {
	return func(o *options) error {
		o.watcher = append(o.watcher, opts...)
		return nil
	}
}

// WithWatcherFactory sets how Start builds its watcher.
func WithWatcherFactory(fn func() (Watcher, error)) Option {
	return func(o *options) error {
		o.newWatcher = fn
		return nil
	}
}

// New builds an engine over cat. ctx is the base context for background
// scans and supplies their logger.
func New(ctx context.Context, cat *catalog.Catalog, opts ...Option) (*Engine, error) {
	if cat == nil {
		return nil, errors.New("catalog cannot be nil")
	}
	o := &options{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	store, err := manifest.NewStore(cat.ManifestPath(), o.manifest...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open manifest store")
	}
	scanner, err := registry.NewScanner(cat, append([]registry.ScannerOption{registry.WithManifest(store)}, o.scanner...)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scanner")
	}
	mgr, err := installer.New(cat, append([]installer.Option{installer.WithManifest(store)}, o.installer...)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create installer")
	}

	e := &Engine{
		catalog:    cat,
		store:      store,
		scanner:    scanner,
		registry:   registry.New(ctx, scanner),
		installer:  mgr,
		newWatcher: o.newWatcher,
	}
	if e.newWatcher == nil {
		wopts := o.watcher
		e.newWatcher = func() (Watcher, error) {
			return watcher.New(wopts...)
		}
	}
	return e, nil
}

// Catalog returns the agent catalog the engine was built with.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Manifest returns the lock file store.
func (e *Engine) Manifest() *manifest.Store { return e.store }

// Scan runs a fresh scan, sharing it with concurrent callers, and returns
// the published snapshot.
func (e *Engine) Scan(ctx context.Context) (*registry.Snapshot, error) {
	return e.registry.Scan(ctx)
}

// Snapshot returns the last published snapshot without blocking. It is nil
// until the first scan completes.
func (e *Engine) Snapshot() *registry.Snapshot {
	return e.registry.Current()
}

// Subscribe calls fn with every newly published snapshot. fn must not call
// Scan.
func (e *Engine) Subscribe(fn func(*registry.Snapshot)) func() {
	return e.registry.Subscribe(fn)
}

// RequestScan schedules a background rescan.
func (e *Engine) RequestScan() {
	e.registry.RequestScan()
}

// Lookup finds a skill by ID, or by a path to its canonical directory or
// any installation of it. The current snapshot is used, scanning first if
// there is none.
func (e *Engine) Lookup(ctx context.Context, ref string) (*registry.Skill, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if sk, ok := snap.Skill(ref); ok {
		return sk, nil
	}
	if abs, err := filepath.Abs(ref); err == nil {
		if sk, ok := snap.SkillAt(pathutil.RealOrClean(abs)); ok {
			return sk, nil
		}
	}
	return nil, errors.Wrapf(ErrSkillNotFound, "%s", ref)
}

func (e *Engine) snapshot(ctx context.Context) (*registry.Snapshot, error) {
	if snap := e.registry.Current(); snap != nil {
		return snap, nil
	}
	return e.registry.Scan(ctx)
}

// AddInstallation makes the skill visible to agent through a link in the
// agent's own directory. ref is resolved as in Lookup; pass the canonical
// path to target one of several skills sharing an ID.
func (e *Engine) AddInstallation(ctx context.Context, ref, agent string) (registry.Installation, error) {
	sk, err := e.Lookup(ctx, ref)
	if err != nil {
		return registry.Installation{}, err
	}
	defer e.registry.RequestScan()
	return e.installer.AddInstallation(ctx, sk, agent)
}

// RemoveInstallation removes agent's link to the skill. Removing an
// inherited installation succeeds without changing anything.
func (e *Engine) RemoveInstallation(ctx context.Context, ref, agent string) error {
	sk, err := e.Lookup(ctx, ref)
	if err != nil {
		return err
	}
	defer e.registry.RequestScan()
	return e.installer.RemoveInstallation(ctx, sk, agent)
}

// DeleteSkill removes the skill, every link to it and its manifest entry.
func (e *Engine) DeleteSkill(ctx context.Context, ref string) error {
	sk, err := e.Lookup(ctx, ref)
	if err != nil {
		return err
	}
	defer e.registry.RequestScan()
	return e.installer.DeleteSkill(ctx, sk)
}

// Import places a completed skill directory in the shared directory and
// records it in the manifest.
func (e *Engine) Import(ctx context.Context, req installer.ImportRequest) (*installer.ImportResult, error) {
	defer e.registry.RequestScan()
	return e.installer.Import(ctx, req)
}

// RecordManifestEntry writes the full entry for id.
func (e *Engine) RecordManifestEntry(ctx context.Context, id string, entry manifest.Entry) error {
	defer e.registry.RequestScan()
	return e.store.RecordEntry(ctx, id, entry)
}

// UpdateManifestEntry sets the folder hash and update time of an existing
// entry. It reports false when id has no entry.
func (e *Engine) UpdateManifestEntry(ctx context.Context, id, newHash string, updatedAt time.Time) (bool, error) {
	defer e.registry.RequestScan()
	return e.store.UpdateEntry(ctx, id, newHash, updatedAt)
}

// VerifyResult compares a skill's files with its manifest record.
type VerifyResult struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Tracked  bool   `json:"tracked"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual"`
	Modified bool   `json:"modified"`
}

// Verify hashes the skill's canonical directory and compares it with the
// recorded folder hash. Untracked skills are reported with Tracked false.
func (e *Engine) Verify(ctx context.Context, ref string) (*VerifyResult, error) {
	sk, err := e.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	actual, err := skills.HashFolder(sk.CanonicalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to hash %s", sk.CanonicalPath)
	}

	res := &VerifyResult{ID: sk.ID, Path: sk.CanonicalPath, Actual: actual}
	entry, ok, err := e.store.Entry(ctx, sk.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		res.Tracked = true
		res.Expected = entry.SkillFolderHash
		res.Modified = entry.SkillFolderHash != actual
	}

	logger.G(ctx).WithFields(logrus.Fields{"skill": sk.ID, "tracked": res.Tracked, "modified": res.Modified}).Debug("verified skill")
	return res, nil
}

// Start watches every catalog directory and the manifest, requesting a
// rescan after each quiet period with changes.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watcher != nil {
		return ErrWatching
	}

	w, err := e.newWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	log := logger.G(ctx)
	err = w.Start(ctx, e.catalog.WatchPaths(), func(paths []string) {
		log.WithField("paths", paths).Debug("requesting rescan")
		e.registry.RequestScan()
	})
	if err != nil {
		return errors.Wrap(err, "failed to start watcher")
	}
	e.watcher = w
	return nil
}

// Stop ends watching and drops a queued rescan nobody waits for. A scan
// already running completes and publishes.
func (e *Engine) Stop() {
	e.mu.Lock()
	w := e.watcher
	e.watcher = nil
	e.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	e.registry.CancelPending()
}

// Close stops watching and shuts down the registry.
func (e *Engine) Close() {
	e.Stop()
	e.registry.Close()
}
