package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestHashFolderStable(t *testing.T) {
	files := map[string]string{
		"SKILL.md":          "---\nname: a\ndescription: b\n---\n",
		"scripts/run.sh":    "echo hi\n",
		"reference/deep.md": "deep\n",
	}
	a := t.TempDir()
	b := t.TempDir()
	writeTree(t, a, files)
	writeTree(t, b, files)

	ha, err := HashFolder(a)
	require.NoError(t, err)
	hb, err := HashFolder(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "identical trees in different locations hash the same")
	assert.Len(t, ha, 64)
}

func TestHashFolderDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"SKILL.md": "one", "notes.txt": "x"})

	before, err := HashFolder(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("y"), 0o644))
	afterEdit, err := HashFolder(dir)
	require.NoError(t, err)
	assert.NotEqual(t, before, afterEdit)

	require.NoError(t, os.Rename(filepath.Join(dir, "notes.txt"), filepath.Join(dir, "renamed.txt")))
	afterRename, err := HashFolder(dir)
	require.NoError(t, err)
	assert.NotEqual(t, afterEdit, afterRename, "renames change the hash")
}

func TestHashFolderIgnores(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"SKILL.md": "content"})
	base, err := HashFolder(dir)
	require.NoError(t, err)

	writeTree(t, dir, map[string]string{
		".git/HEAD":             "ref: refs/heads/main",
		"sub/.DS_Store":         "junk",
		"node_modules/pkg/x.js": "module.exports = 1",
	})
	withJunk, err := HashFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, base, withJunk)

	custom, err := HashFolder(dir, "*.md")
	require.NoError(t, err)
	assert.NotEqual(t, base, custom, "custom patterns replace the defaults")

	_, err = HashFolder(dir, "[")
	assert.Error(t, err)
}

func TestHashFolderSymlinkTarget(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"SKILL.md": "content"})
	require.NoError(t, os.Symlink("SKILL.md", filepath.Join(dir, "alias.md")))

	first, err := HashFolder(dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "alias.md")))
	require.NoError(t, os.Symlink("missing.md", filepath.Join(dir, "alias.md")))
	second, err := HashFolder(dir)
	require.NoError(t, err, "dangling links inside a skill are hashed by target")
	assert.NotEqual(t, first, second)
}

func TestHashFolderMissing(t *testing.T) {
	_, err := HashFolder(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestIsIgnored(t *testing.T) {
	assert.True(t, IsIgnored(".git"))
	assert.True(t, IsIgnored(".git/objects/ab"))
	assert.True(t, IsIgnored("deep/dir/.DS_Store"))
	assert.True(t, IsIgnored("node_modules"))
	assert.False(t, IsIgnored("SKILL.md"))
	assert.False(t, IsIgnored("scripts/.gitkeep"))
}
