// Package installer changes which agents see which skills. Every mutation
// either fully applies or leaves the filesystem as it found it.
package installer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/skillreg/pkg/catalog"
	"github.com/jingkaihe/skillreg/pkg/logger"
	"github.com/jingkaihe/skillreg/pkg/manifest"
	"github.com/jingkaihe/skillreg/pkg/pathutil"
	"github.com/jingkaihe/skillreg/pkg/registry"
	"github.com/jingkaihe/skillreg/pkg/telemetry"
)

var (
	// ErrInheritedInstallationImmutable is returned when adding a skill to an
	// agent that already sees it through another agent's directory.
	ErrInheritedInstallationImmutable = errors.New("installation is inherited from another agent and cannot be changed here")
	// ErrCannotRemoveCanonicalOriginal is returned when the installation is
	// the real directory rather than a link to it.
	ErrCannotRemoveCanonicalOriginal = errors.New("installation is the canonical directory, not a link")
	// ErrInstallationNotFound is returned when the agent has no installation.
	ErrInstallationNotFound = errors.New("installation not found")
	// ErrPathOccupied is returned when the link location holds something else.
	ErrPathOccupied = errors.New("path is occupied by another entry")
	// ErrSkillExists is returned by Import when the target exists and Force is unset.
	ErrSkillExists = errors.New("skill already exists")
)

// ManifestStore is the part of the lock file store the installer writes to.
type ManifestStore interface {
	Mutate(ctx context.Context, fn func(*manifest.Manifest) error) error
	RemoveEntry(ctx context.Context, id string) error
}

// Manager applies installation changes. Its operations are serialized.
type Manager struct {
	catalog  *catalog.Catalog
	manifest ManifestStore
	now      func() time.Time

	symlink func(oldname, newname string) error
	remove  func(name string) error

	mu sync.Mutex
}

// Option configures a Manager
type Option func(*Manager) error

// WithManifest makes DeleteSkill and Import keep the lock file in sync.
func WithManifest(store ManifestStore) Option {
	return func(m *Manager) error {
		m.manifest = store
		return nil
	}
}

// WithClock overrides the time source used for manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		m.now = now
		return nil
	}
}

// New creates a Manager for the catalog's agents.
func New(cat *catalog.Catalog, opts ...Option) (*Manager, error) {
	if cat == nil {
		return nil, errors.New("catalog cannot be nil")
	}
	m := &Manager{
		catalog: cat,
		now:     time.Now,
		symlink: os.Symlink,
		remove:  os.Remove,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddInstallation links skill into the agent's own directory. Adding an
// existing direct installation is a no-op.
func (m *Manager) AddInstallation(ctx context.Context, skill *registry.Skill, agent string) (registry.Installation, error) {
	var result registry.Installation
	err := telemetry.WithSpan(ctx, "installer.add", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		inst, err := m.add(ctx, skill, agent)
		result = inst
		return err
	}, attribute.String("skill", skill.ID), attribute.String("agent", agent))
	return result, err
}

func (m *Manager) add(ctx context.Context, skill *registry.Skill, agent string) (registry.Installation, error) {
	if inst, ok := skill.Installation(agent); ok {
		if inst.IsInherited {
			return registry.Installation{}, errors.Wrapf(ErrInheritedInstallationImmutable, "%s via %s", skill.ID, inst.InheritedFrom)
		}
		return inst, nil
	}

	own, err := m.catalog.OwnDirectory(agent)
	if err != nil {
		return registry.Installation{}, err
	}
	if _, err := os.Stat(skill.CanonicalPath); err != nil {
		return registry.Installation{}, errors.Wrapf(err, "skill %s is not available", skill.ID)
	}

	link := filepath.Join(own, skill.ID)
	installed := registry.Installation{Agent: agent, Path: link, IsSymlink: true}

	if _, err := os.Lstat(link); err == nil {
		if resolvesTo(link, skill.CanonicalPath) {
			return installed, nil
		}
		return registry.Installation{}, errors.Wrapf(ErrPathOccupied, "%s", link)
	} else if !os.IsNotExist(err) {
		return registry.Installation{}, errors.Wrapf(err, "failed to inspect %s", link)
	}

	if err := os.MkdirAll(own, 0o755); err != nil {
		return registry.Installation{}, errors.Wrapf(err, "failed to create %s", own)
	}
	if err := m.symlink(skill.CanonicalPath, link); err != nil {
		return registry.Installation{}, errors.Wrapf(err, "failed to link %s", link)
	}
	if !resolvesTo(link, skill.CanonicalPath) {
		var result *multierror.Error
		result = multierror.Append(result, errors.Errorf("link %s does not resolve to %s", link, skill.CanonicalPath))
		if err := m.remove(link); err != nil && !os.IsNotExist(err) {
			logger.G(ctx).WithError(err).WithField("path", link).Error("failed to remove unverified link")
			result = multierror.Append(result, errors.Wrapf(err, "failed to remove unverified link %s", link))
		}
		return registry.Installation{}, result.ErrorOrNil()
	}

	logger.G(ctx).WithFields(logrus.Fields{"skill": skill.ID, "agent": agent, "path": link}).Info("installed skill")
	return installed, nil
}

// RemoveInstallation removes the agent's link to skill. Inherited
// installations are left alone and reported as success.
func (m *Manager) RemoveInstallation(ctx context.Context, skill *registry.Skill, agent string) error {
	return telemetry.WithSpan(ctx, "installer.remove", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.removeInstallation(ctx, skill, agent)
	}, attribute.String("skill", skill.ID), attribute.String("agent", agent))
}

func (m *Manager) removeInstallation(ctx context.Context, skill *registry.Skill, agent string) error {
	inst, ok := skill.Installation(agent)
	if !ok {
		return errors.Wrapf(ErrInstallationNotFound, "%s for %s", skill.ID, agent)
	}
	if inst.IsInherited {
		logger.G(ctx).WithFields(logrus.Fields{"skill": skill.ID, "agent": agent}).Debug("installation is inherited, nothing to remove")
		return nil
	}

	isLink, err := pathutil.IsSymlink(inst.Path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	if !isLink {
		return errors.Wrapf(ErrCannotRemoveCanonicalOriginal, "%s", inst.Path)
	}
	if !resolvesTo(inst.Path, skill.CanonicalPath) {
		return errors.Wrapf(ErrInstallationNotFound, "%s no longer points at %s", inst.Path, skill.CanonicalPath)
	}
	if err := m.remove(inst.Path); err != nil {
		return errors.Wrapf(err, "failed to remove %s", inst.Path)
	}

	logger.G(ctx).WithFields(logrus.Fields{"skill": skill.ID, "agent": agent, "path": inst.Path}).Info("uninstalled skill")
	return nil
}

// DeleteSkill removes the canonical directory and every link to it, then
// drops the manifest entry. If a link cannot be removed nothing is deleted.
func (m *Manager) DeleteSkill(ctx context.Context, skill *registry.Skill) error {
	return telemetry.WithSpan(ctx, "installer.delete", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.deleteSkill(ctx, skill)
	}, attribute.String("skill", skill.ID))
}

type removedLink struct {
	path   string
	target string
}

func (m *Manager) deleteSkill(ctx context.Context, skill *registry.Skill) error {
	ctx = logger.WithFields(ctx, logrus.Fields{"skill": skill.ID})
	log := logger.G(ctx)

	links, err := m.linksOf(skill)
	if err != nil {
		return err
	}

	info, err := os.Lstat(skill.CanonicalPath)
	if err != nil {
		return errors.Wrapf(err, "skill %s is not available", skill.ID)
	}
	if !info.IsDir() {
		return errors.Errorf("canonical path %s is not a directory", skill.CanonicalPath)
	}

	aside := filepath.Join(filepath.Dir(skill.CanonicalPath), "."+skill.ID+".deleting-"+uuid.NewString())
	if err := os.Rename(skill.CanonicalPath, aside); err != nil {
		return errors.Wrapf(err, "failed to move %s aside", skill.CanonicalPath)
	}

	var removed []removedLink
	for _, link := range links {
		target, _ := os.Readlink(link)
		if err := m.remove(link); err != nil && !os.IsNotExist(err) {
			telemetry.AddEvent(ctx, "installer.rollback",
				attribute.String("link", link),
				attribute.Int("restored_links", len(removed)),
			)
			rollbackErr := m.restore(aside, skill.CanonicalPath, removed)
			if rollbackErr != nil {
				log.WithError(rollbackErr).Error("failed to roll back skill deletion")
			}
			return errors.Wrapf(err, "failed to remove link %s", link)
		}
		removed = append(removed, removedLink{path: link, target: target})
	}

	if err := os.RemoveAll(aside); err != nil {
		log.WithError(err).WithField("path", aside).Warn("failed to remove deleted skill contents")
	}

	if m.manifest != nil && skill.Manifest != nil {
		if err := m.manifest.RemoveEntry(ctx, skill.ID); err != nil {
			return errors.Wrap(err, "skill files were deleted but the manifest entry remains")
		}
	}

	log.WithField("links", len(removed)).Info("deleted skill")
	return nil
}

// linksOf validates the installations of skill and returns the symlinks to
// remove. Installations that are the canonical directory itself, or that
// reach it through a symlinked parent, disappear with it.
func (m *Manager) linksOf(skill *registry.Skill) ([]string, error) {
	seen := map[string]bool{}
	var links []string
	for _, inst := range skill.Installations {
		if !inst.IsSymlink || seen[inst.Path] {
			continue
		}
		isLink, err := pathutil.IsSymlink(inst.Path)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return nil, err
		}
		if !isLink {
			return nil, errors.Wrapf(ErrCannotRemoveCanonicalOriginal, "%s changed since the last scan", inst.Path)
		}
		seen[inst.Path] = true
		links = append(links, inst.Path)
	}
	return links, nil
}

func (m *Manager) restore(aside, canonical string, removed []removedLink) error {
	var result *multierror.Error
	if err := os.Rename(aside, canonical); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "failed to restore %s", canonical))
	}
	for _, l := range removed {
		if l.target == "" {
			continue
		}
		if err := m.symlink(l.target, l.path); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to restore link %s", l.path))
		}
	}
	return result.ErrorOrNil()
}

func resolvesTo(path, canonical string) bool {
	r, err := pathutil.Canonicalize(path)
	if err != nil {
		return false
	}
	return r.Real == filepath.Clean(canonical)
}

// validateID rejects IDs that are not a single plain path element.
func validateID(id string) error {
	switch {
	case id == "":
		return errors.New("skill id cannot be empty")
	case id == "." || id == "..":
		return errors.Errorf("invalid skill id %q", id)
	case strings.HasPrefix(id, "."):
		return errors.Errorf("skill id %q cannot start with a dot", id)
	case strings.ContainsAny(id, `/\`):
		return errors.Errorf("skill id %q cannot contain path separators", id)
	}
	return nil
}
