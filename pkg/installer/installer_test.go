package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillreg/pkg/catalog"
	"github.com/jingkaihe/skillreg/pkg/manifest"
	"github.com/jingkaihe/skillreg/pkg/registry"
	"github.com/jingkaihe/skillreg/pkg/skills"
)

var fixedNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	root    string
	shared  string
	dirA    string
	dirB    string
	catalog *catalog.Catalog
	store   *manifest.Store
	manager *Manager
	scanner *registry.Scanner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	e := &env{
		root:   root,
		shared: filepath.Join(root, "shared"),
		dirA:   filepath.Join(root, "a", "skills"),
		dirB:   filepath.Join(root, "b", "skills"),
	}
	for _, d := range []string{e.shared, e.dirA, e.dirB} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	e.catalog, err = catalog.New(
		catalog.WithAgents(
			catalog.Agent{ID: "a", SkillsDir: e.dirA},
			catalog.Agent{ID: "b", SkillsDir: e.dirB, AlsoReads: []catalog.ReadableDir{{SourceAgent: "a"}}},
		),
		catalog.WithSharedDir(e.shared),
		catalog.WithManifestPath(filepath.Join(root, ".skill-lock.json")),
	)
	require.NoError(t, err)

	e.store, err = manifest.NewStore(e.catalog.ManifestPath())
	require.NoError(t, err)
	e.manager, err = New(e.catalog, WithManifest(e.store), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	e.scanner, err = registry.NewScanner(e.catalog, registry.WithManifest(e.store))
	require.NoError(t, err)
	return e
}

func writeSkill(t *testing.T, dir, name string) string {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	content := fmt.Sprintf("---\nname: %s\ndescription: The %s skill\n---\n\nBody\n", name, name)
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, skills.FileName), []byte(content), 0o644))
	return skillDir
}

func (e *env) skill(t *testing.T, id string) *registry.Skill {
	t.Helper()
	snap, err := e.scanner.Scan(context.Background())
	require.NoError(t, err)
	sk, ok := snap.Skill(id)
	require.True(t, ok, "skill %s not found", id)
	return sk
}

func TestAddInstallationCreatesLink(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	canonical := writeSkill(t, e.shared, "pdf")

	inst, err := e.manager.AddInstallation(ctx, e.skill(t, "pdf"), "a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.dirA, "pdf"), inst.Path)
	assert.True(t, inst.IsSymlink)

	target, err := os.Readlink(inst.Path)
	require.NoError(t, err)
	assert.Equal(t, canonical, target)

	sk := e.skill(t, "pdf")
	a, ok := sk.Installation("a")
	require.True(t, ok)
	assert.False(t, a.IsInherited)
	b, ok := sk.Installation("b")
	require.True(t, ok)
	assert.True(t, b.IsInherited, "b picks the skill up through a's directory")
}

func TestAddInstallationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	writeSkill(t, e.shared, "pdf")
	stale := e.skill(t, "pdf")

	first, err := e.manager.AddInstallation(ctx, stale, "b")
	require.NoError(t, err)

	second, err := e.manager.AddInstallation(ctx, e.skill(t, "pdf"), "b")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)

	third, err := e.manager.AddInstallation(ctx, stale, "b")
	require.NoError(t, err, "a stale snapshot still sees the existing link as ours")
	assert.Equal(t, first.Path, third.Path)

	entries, err := os.ReadDir(e.dirB)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAddInstallationCreatesAgentDirectory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	writeSkill(t, e.shared, "pdf")
	require.NoError(t, os.RemoveAll(e.dirB))

	_, err := e.manager.AddInstallation(ctx, e.skill(t, "pdf"), "b")
	require.NoError(t, err)
	assert.DirExists(t, e.dirB)
}

func TestAddInheritedInstallationIsImmutable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	canonical := writeSkill(t, e.shared, "pdf")
	require.NoError(t, os.Symlink(canonical, filepath.Join(e.dirA, "pdf")))

	_, err := e.manager.AddInstallation(ctx, e.skill(t, "pdf"), "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInheritedInstallationImmutable))

	_, err = os.Lstat(filepath.Join(e.dirB, "pdf"))
	assert.True(t, os.IsNotExist(err), "nothing is created")
}

func TestAddInstallationPathOccupied(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	writeSkill(t, e.shared, "pdf")
	other := writeSkill(t, e.root, "elsewhere")
	require.NoError(t, os.Symlink(other, filepath.Join(e.dirB, "pdf")))

	sk := e.skill(t, "pdf")
	_, err := e.manager.AddInstallation(ctx, sk, "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathOccupied))

	target, err := os.Readlink(filepath.Join(e.dirB, "pdf"))
	require.NoError(t, err)
	assert.Equal(t, other, target, "the existing entry is untouched")
}

func TestAddInstallationRemovesUnverifiedLink(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	writeSkill(t, e.shared, "pdf")
	decoy := writeSkill(t, e.root, "decoy")

	e.manager.symlink = func(_, newname string) error {
		return os.Symlink(decoy, newname)
	}
	_, err := e.manager.AddInstallation(ctx, e.skill(t, "pdf"), "a")
	require.Error(t, err)

	_, err = os.Lstat(filepath.Join(e.dirA, "pdf"))
	assert.True(t, os.IsNotExist(err), "a link that does not verify is removed")
}

func TestAddInstallationReportsFailedCleanup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	writeSkill(t, e.shared, "pdf")
	decoy := writeSkill(t, e.root, "decoy")

	e.manager.symlink = func(_, newname string) error {
		return os.Symlink(decoy, newname)
	}
	e.manager.remove = func(string) error {
		return errors.New("device busy")
	}
	_, err := e.manager.AddInstallation(ctx, e.skill(t, "pdf"), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not resolve to")
	assert.Contains(t, err.Error(), "failed to remove unverified link")
	assert.Contains(t, err.Error(), "device busy")
}

func TestAddInstallationUnknownAgent(t *testing.T) {
	e := newEnv(t)
	writeSkill(t, e.shared, "pdf")

	_, err := e.manager.AddInstallation(context.Background(), e.skill(t, "pdf"), "ghost")
	assert.Error(t, err)
}

func TestRemoveInstallation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	canonical := writeSkill(t, e.shared, "pdf")
	require.NoError(t, os.Symlink(canonical, filepath.Join(e.dirB, "pdf")))

	require.NoError(t, e.manager.RemoveInstallation(ctx, e.skill(t, "pdf"), "b"))

	_, err := os.Lstat(filepath.Join(e.dirB, "pdf"))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, filepath.Join(canonical, skills.FileName), "the canonical directory stays")

	err = e.manager.RemoveInstallation(ctx, e.skill(t, "pdf"), "b")
	assert.True(t, errors.Is(err, ErrInstallationNotFound))
}

func TestRemoveInheritedInstallationIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	canonical := writeSkill(t, e.shared, "pdf")
	link := filepath.Join(e.dirA, "pdf")
	require.NoError(t, os.Symlink(canonical, link))

	require.NoError(t, e.manager.RemoveInstallation(ctx, e.skill(t, "pdf"), "b"))

	_, err := os.Lstat(link)
	assert.NoError(t, err, "the source agent's link is not touched")
	b, ok := e.skill(t, "pdf").Installation("b")
	require.True(t, ok)
	assert.True(t, b.IsInherited)
}

func TestRemoveCanonicalOriginalIsRefused(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	local := writeSkill(t, e.dirA, "local")

	err := e.manager.RemoveInstallation(ctx, e.skill(t, "local"), "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCannotRemoveCanonicalOriginal))
	assert.DirExists(t, local)
}

func TestDeleteSkill(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	canonical := writeSkill(t, e.shared, "pdf")
	require.NoError(t, os.Symlink(canonical, filepath.Join(e.dirA, "pdf")))
	require.NoError(t, os.Symlink(canonical, filepath.Join(e.dirB, "pdf")))
	require.NoError(t, e.store.RecordEntry(ctx, "pdf", manifest.Entry{Source: "acme/skills", SkillFolderHash: "x"}))
	require.NoError(t, e.store.RecordEntry(ctx, "keep", manifest.Entry{Source: "acme/skills"}))

	require.NoError(t, e.manager.DeleteSkill(ctx, e.skill(t, "pdf")))

	assert.NoDirExists(t, canonical)
	for _, link := range []string{filepath.Join(e.dirA, "pdf"), filepath.Join(e.dirB, "pdf")} {
		_, err := os.Lstat(link)
		assert.True(t, os.IsNotExist(err), "%s removed", link)
	}

	entries, err := os.ReadDir(e.shared)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is left behind in the shared directory")

	_, ok, err := e.store.Entry(ctx, "pdf")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = e.store.Entry(ctx, "keep")
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := e.scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Skills)
}

func TestDeleteSkillRollsBackOnLinkFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	canonical := writeSkill(t, e.shared, "pdf")
	linkA := filepath.Join(e.dirA, "pdf")
	linkB := filepath.Join(e.dirB, "pdf")
	require.NoError(t, os.Symlink(canonical, linkA))
	require.NoError(t, os.Symlink(canonical, linkB))
	require.NoError(t, e.store.RecordEntry(ctx, "pdf", manifest.Entry{Source: "acme/skills"}))

	sk := e.skill(t, "pdf")
	e.manager.remove = func(name string) error {
		if name == linkB {
			return errors.New("permission denied")
		}
		return os.Remove(name)
	}

	err := e.manager.DeleteSkill(ctx, sk)
	require.Error(t, err)

	assert.FileExists(t, filepath.Join(canonical, skills.FileName), "canonical directory is restored")
	for _, link := range []string{linkA, linkB} {
		target, err := os.Readlink(link)
		require.NoError(t, err, "%s restored", link)
		assert.Equal(t, canonical, target)
	}
	_, ok, err := e.store.Entry(ctx, "pdf")
	require.NoError(t, err)
	assert.True(t, ok, "manifest entry is kept")

	entries, err := os.ReadDir(e.shared)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), "."), "no aside directory remains: %s", entry.Name())
	}
}

func TestDeleteSkillRefusesChangedInstallation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	canonical := writeSkill(t, e.shared, "pdf")
	link := filepath.Join(e.dirA, "pdf")
	require.NoError(t, os.Symlink(canonical, link))
	sk := e.skill(t, "pdf")

	// The link was replaced by a real directory after the scan.
	require.NoError(t, os.Remove(link))
	writeSkill(t, e.dirA, "pdf")

	err := e.manager.DeleteSkill(ctx, sk)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCannotRemoveCanonicalOriginal))
	assert.DirExists(t, canonical)
}
