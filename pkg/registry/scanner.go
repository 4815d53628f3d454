package registry

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/skillreg/pkg/catalog"
	"github.com/jingkaihe/skillreg/pkg/logger"
	"github.com/jingkaihe/skillreg/pkg/manifest"
	"github.com/jingkaihe/skillreg/pkg/pathutil"
	"github.com/jingkaihe/skillreg/pkg/skills"
	"github.com/jingkaihe/skillreg/pkg/telemetry"
)

const (
	defaultParallelism = 8
	defaultCacheSize   = 512
)

// ManifestSource supplies the lock file contents to a scan.
type ManifestSource interface {
	Load(ctx context.Context) (*manifest.Manifest, error)
}

// Scanner performs full scans of the catalog's directories. Scans on one
// Scanner are serialized.
type Scanner struct {
	catalog     *catalog.Catalog
	manifest    ManifestSource
	parser      DefinitionParser
	parallelism int
	cache       *lru.Cache[string, parsedDefinition]
	now         func() time.Time

	mu sync.Mutex
}

type parsedDefinition struct {
	modTime  time.Time
	size     int64
	metadata *skills.Metadata
	body     string
	err      string
}

// ScannerOption configures a Scanner
type ScannerOption func(*Scanner) error

// WithParser replaces the default SKILL.md parser.
func WithParser(p DefinitionParser) ScannerOption {
	return func(s *Scanner) error {
		if p == nil {
			return errors.New("parser cannot be nil")
		}
		s.parser = p
		return nil
	}
}

// WithManifest attaches lock file entries to scanned skills.
func WithManifest(m ManifestSource) ScannerOption {
	return func(s *Scanner) error {
		s.manifest = m
		return nil
	}
}

// WithParallelism bounds the number of definitions parsed concurrently.
func WithParallelism(n int) ScannerOption {
	return func(s *Scanner) error {
		if n < 1 {
			return errors.Errorf("parallelism must be at least 1, got %d", n)
		}
		s.parallelism = n
		return nil
	}
}

// WithCacheSize sets how many parsed definitions are kept between scans.
func WithCacheSize(n int) ScannerOption {
	return func(s *Scanner) error {
		cache, err := lru.New[string, parsedDefinition](n)
		if err != nil {
			return errors.Wrap(err, "failed to create parse cache")
		}
		s.cache = cache
		return nil
	}
}

// WithClock overrides the time source used for ScannedAt.
func WithClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) error {
		s.now = now
		return nil
	}
}

// NewScanner creates a scanner over the catalog's directories.
func NewScanner(cat *catalog.Catalog, opts ...ScannerOption) (*Scanner, error) {
	if cat == nil {
		return nil, errors.New("catalog cannot be nil")
	}
	s := &Scanner{
		catalog:     cat,
		parser:      skills.NewParser(),
		parallelism: defaultParallelism,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.cache == nil {
		cache, err := lru.New[string, parsedDefinition](defaultCacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create parse cache")
		}
		s.cache = cache
	}
	return s, nil
}

// Scan walks every agent directory and returns a fresh snapshot. Per-entry
// and per-agent failures become diagnostics; only cancellation of ctx makes
// Scan fail.
func (s *Scanner) Scan(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap *Snapshot
	err := telemetry.WithSpan(ctx, "registry.scan", func(ctx context.Context) error {
		run := newScanRun(s)
		var err error
		snap, err = run.execute(ctx)
		if err != nil {
			return err
		}
		telemetry.SetAttributes(ctx,
			attribute.Int("registry.skills", len(snap.Skills)),
			attribute.Int("registry.diagnostics", len(snap.Diagnostics)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

type listedEntry struct {
	path     string
	resolved pathutil.Resolved
}

type skillBuilder struct {
	canonical string
	direct    map[string]Installation
	inherited map[string]Installation
}

// scanRun holds the state of a single scan.
type scanRun struct {
	s        *Scanner
	listings map[string][]listedEntry
	groups   map[string]*skillBuilder
	diags    Diagnostics
}

func newScanRun(s *Scanner) *scanRun {
	return &scanRun{
		s:        s,
		listings: map[string][]listedEntry{},
		groups:   map[string]*skillBuilder{},
	}
}

func (r *scanRun) execute(ctx context.Context) (*Snapshot, error) {
	cat := r.s.catalog
	log := logger.G(ctx)

	// Direct pass: each agent's own directory.
	for _, agent := range cat.Agents() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, e := range r.list(ctx, agent.ID, agent.SkillsDir) {
			b := r.group(e.resolved.Real)
			if _, dup := b.direct[agent.ID]; dup {
				log.WithFields(logrus.Fields{"agent": agent.ID, "path": e.path}).Debug("duplicate entry for skill, keeping the first")
				continue
			}
			b.direct[agent.ID] = Installation{
				Agent:     agent.ID,
				Path:      e.path,
				IsSymlink: e.resolved.IsSymlink,
			}
		}
	}

	// Inherited pass: directories agents read on behalf of another agent.
	for _, agent := range cat.Agents() {
		readable, _ := cat.AdditionalReadable(agent.ID)
		for _, rd := range readable {
			for _, e := range r.list(ctx, agent.ID, rd.Dir) {
				b := r.group(e.resolved.Real)
				if _, covered := b.direct[agent.ID]; covered {
					continue
				}
				if _, seen := b.inherited[agent.ID]; seen {
					continue
				}
				b.inherited[agent.ID] = Installation{
					Agent:         agent.ID,
					Path:          e.path,
					IsSymlink:     e.resolved.IsSymlink,
					IsInherited:   true,
					InheritedFrom: rd.SourceAgent,
				}
			}
		}
	}

	// The shared directory holds canonical copies that may have no
	// installation at all.
	for _, e := range r.list(ctx, "", cat.SharedDir()) {
		r.group(e.resolved.Real)
	}

	entries := r.loadManifest(ctx)
	skillList, err := r.assemble(ctx, entries)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:          uuid.NewString(),
		ScannedAt:   r.s.now(),
		Skills:      skillList,
		Agents:      r.agentStatuses(skillList),
		Diagnostics: r.diags,
	}
	log.WithFields(logrus.Fields{
		"snapshot":    snap.ID,
		"skills":      len(snap.Skills),
		"diagnostics": len(snap.Diagnostics),
	}).Debug("scan complete")
	return snap, nil
}

func (r *scanRun) group(canonical string) *skillBuilder {
	b, ok := r.groups[canonical]
	if !ok {
		b = &skillBuilder{
			canonical: canonical,
			direct:    map[string]Installation{},
			inherited: map[string]Installation{},
		}
		r.groups[canonical] = b
	}
	return b
}

// list returns the skill directories under dir. Listings are memoized for
// the duration of the run since several agents may read the same directory.
func (r *scanRun) list(ctx context.Context, agent, dir string) []listedEntry {
	if dir == "" {
		return nil
	}
	if l, ok := r.listings[dir]; ok {
		return l
	}
	r.listings[dir] = nil

	log := logger.G(ctx).WithFields(logrus.Fields{"agent": agent, "path": dir})
	entries, err := os.ReadDir(dir)
	if err != nil {
		notFound := os.IsNotExist(err)
		if agent == "" && notFound {
			return nil
		}
		r.diag(Diagnostic{Kind: TransientIO, Agent: agent, Path: dir, Message: err.Error(), NotFound: notFound})
		if notFound {
			log.Debug("skills directory does not exist")
		} else {
			log.WithError(err).Warn("failed to list skills directory")
		}
		return nil
	}

	var out []listedEntry
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		resolved, err := pathutil.Canonicalize(path)
		if err != nil {
			kind := classify(err)
			r.diag(Diagnostic{Kind: kind, Agent: agent, Path: path, Message: err.Error()})
			entryLog := log.WithField("entry", name).WithField("kind", kind.String())
			if kind == CyclicOrTooDeepLink {
				entryLog.Warn("skipping unresolvable symlink")
			} else {
				entryLog.WithError(err).Debug("skipping entry")
			}
			continue
		}
		if !resolved.IsDir {
			continue
		}
		if _, err := os.Stat(filepath.Join(resolved.Real, skills.FileName)); err != nil {
			if !os.IsNotExist(err) {
				r.diag(Diagnostic{Kind: TransientIO, Agent: agent, Path: path, Message: err.Error()})
			}
			continue
		}
		out = append(out, listedEntry{path: path, resolved: resolved})
	}
	r.listings[dir] = out
	return out
}

func (r *scanRun) diag(d Diagnostic) {
	r.diags = append(r.diags, d)
}

func (r *scanRun) loadManifest(ctx context.Context) map[string]manifest.Entry {
	if r.s.manifest == nil {
		return nil
	}
	m, err := r.s.manifest.Load(ctx)
	if err != nil {
		kind := TransientIO
		if errors.Is(err, manifest.ErrManifestCorrupt) {
			kind = ManifestCorrupt
		}
		r.diag(Diagnostic{Kind: kind, Path: r.s.catalog.ManifestPath(), Message: err.Error()})
		logger.G(ctx).WithError(err).Warn("failed to load manifest, skipping provenance")
		return nil
	}
	return m.Skills
}

// assemble parses each canonical definition once and builds the sorted
// skill list.
func (r *scanRun) assemble(ctx context.Context, entries map[string]manifest.Entry) ([]*Skill, error) {
	paths := make([]string, 0, len(r.groups))
	for p := range r.groups {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	parsed := make([]parsedDefinition, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.s.parallelism)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			parsed[i] = r.s.parse(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	roots := r.roots()
	out := make([]*Skill, 0, len(paths))
	for i, p := range paths {
		b := r.groups[p]
		sk := &Skill{
			ID:            filepath.Base(p),
			CanonicalPath: p,
			Metadata:      parsed[i].metadata,
			Body:          parsed[i].body,
			ParseError:    parsed[i].err,
			Scope:         roots.classify(p),
			Installations: r.installations(b),
		}
		if sk.ParseError != "" {
			r.diag(Diagnostic{Kind: ParseFailure, Path: filepath.Join(p, skills.FileName), Message: sk.ParseError})
			logger.G(ctx).WithFields(logrus.Fields{"path": p, "error": sk.ParseError}).Warn("failed to parse skill definition")
		}
		if e, ok := entries[sk.ID]; ok {
			e = e.Clone()
			sk.Manifest = &e
		}
		out = append(out, sk)
	}
	return out, nil
}

// installations orders a skill's installations by catalog order.
func (r *scanRun) installations(b *skillBuilder) []Installation {
	var out []Installation
	for _, agent := range r.s.catalog.Agents() {
		if inst, ok := b.direct[agent.ID]; ok {
			out = append(out, inst)
		} else if inst, ok := b.inherited[agent.ID]; ok {
			out = append(out, inst)
		}
	}
	return out
}

func (r *scanRun) agentStatuses(list []*Skill) []AgentStatus {
	cat := r.s.catalog
	agents := cat.Agents()
	out := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		st := AgentStatus{
			ID:          a.ID,
			DisplayName: a.DisplayName,
			SkillsDir:   a.SkillsDir,
			Detected:    cat.Detected(a.ID),
		}
		for _, sk := range list {
			if inst, ok := sk.Installation(a.ID); ok {
				if inst.IsInherited {
					st.Inherited++
				} else {
					st.Direct++
				}
			}
		}
		out = append(out, st)
	}
	return out
}

// parse reads and parses one SKILL.md, reusing the cached result while the
// file's modification time and size are unchanged.
func (s *Scanner) parse(dir string) parsedDefinition {
	path := filepath.Join(dir, skills.FileName)
	info, err := os.Stat(path)
	if err != nil {
		return parsedDefinition{err: err.Error()}
	}
	if cached, ok := s.cache.Get(path); ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached
	}

	result := parsedDefinition{modTime: info.ModTime(), size: info.Size()}
	content, err := os.ReadFile(path)
	if err != nil {
		result.err = err.Error()
		return result
	}
	md, body, err := s.parser.Parse(content)
	if err != nil {
		result.err = err.Error()
	} else {
		result.metadata = md
		result.body = body
	}
	s.cache.Add(path, result)
	return result
}

// scopeRoots holds canonical forms of the directories used for scope
// classification.
type scopeRoots struct {
	shared string
	agents []agentRoot
}

type agentRoot struct {
	agent string
	dirs  []string
}

func (r *scanRun) roots() scopeRoots {
	cat := r.s.catalog
	roots := scopeRoots{shared: pathutil.RealOrClean(cat.SharedDir())}
	for _, a := range cat.Agents() {
		ar := agentRoot{agent: a.ID, dirs: []string{pathutil.RealOrClean(a.SkillsDir)}}
		if a.ConfigDir != "" {
			ar.dirs = append(ar.dirs, pathutil.RealOrClean(a.ConfigDir))
		}
		roots.agents = append(roots.agents, ar)
	}
	return roots
}

// classify applies shared > agent-local > project precedence.
func (sr scopeRoots) classify(canonical string) Scope {
	if pathutil.Within(canonical, sr.shared) {
		return Scope{Kind: ScopeSharedGlobal}
	}
	for _, ar := range sr.agents {
		for _, d := range ar.dirs {
			if pathutil.Within(canonical, d) {
				return Scope{Kind: ScopeAgentLocal, Agent: ar.agent}
			}
		}
	}
	return Scope{Kind: ScopeProject, Path: filepath.Dir(canonical)}
}
