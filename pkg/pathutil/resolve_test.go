package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// realTempDir returns t.TempDir() with any symlinked prefix (e.g. /var on
// macOS) already resolved so expectations compare real paths.
func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestCanonicalizePlainDirectory(t *testing.T) {
	tmp := realTempDir(t)
	skillDir := filepath.Join(tmp, "skill")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))

	resolved, err := Canonicalize(skillDir)
	require.NoError(t, err)
	assert.Equal(t, skillDir, resolved.Path)
	assert.Equal(t, skillDir, resolved.Real)
	assert.False(t, resolved.IsSymlink)
	assert.True(t, resolved.IsDir)
}

func TestCanonicalizeSymlinkChain(t *testing.T) {
	tmp := realTempDir(t)
	target := filepath.Join(tmp, "store", "pdf")
	require.NoError(t, os.MkdirAll(target, 0o755))

	first := filepath.Join(tmp, "first")
	second := filepath.Join(tmp, "second")
	require.NoError(t, os.Symlink(target, first))
	require.NoError(t, os.Symlink(first, second))

	resolved, err := Canonicalize(second)
	require.NoError(t, err)
	assert.Equal(t, target, resolved.Real)
	assert.True(t, resolved.IsSymlink)
	assert.True(t, resolved.IsDir)
}

func TestCanonicalizeRelativeLink(t *testing.T) {
	tmp := realTempDir(t)
	target := filepath.Join(tmp, "shared", "skills", "docx")
	require.NoError(t, os.MkdirAll(target, 0o755))
	agentDir := filepath.Join(tmp, "agent", "skills")
	require.NoError(t, os.MkdirAll(agentDir, 0o755))

	link := filepath.Join(agentDir, "docx")
	require.NoError(t, os.Symlink(filepath.Join("..", "..", "shared", "skills", "docx"), link))

	resolved, err := Canonicalize(link)
	require.NoError(t, err)
	assert.Equal(t, target, resolved.Real)
}

func TestCanonicalizeSymlinkedParent(t *testing.T) {
	tmp := realTempDir(t)
	realRoot := filepath.Join(tmp, "real")
	require.NoError(t, os.MkdirAll(filepath.Join(realRoot, "skill"), 0o755))
	require.NoError(t, os.Symlink(realRoot, filepath.Join(tmp, "alias")))

	resolved, err := Canonicalize(filepath.Join(tmp, "alias", "skill"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realRoot, "skill"), resolved.Real)
	assert.False(t, resolved.IsSymlink, "the entry itself is a directory")
}

func TestCanonicalizeFileTarget(t *testing.T) {
	tmp := realTempDir(t)
	file := filepath.Join(tmp, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	link := filepath.Join(tmp, "link")
	require.NoError(t, os.Symlink(file, link))

	resolved, err := Canonicalize(link)
	require.NoError(t, err)
	assert.False(t, resolved.IsDir)
	assert.True(t, resolved.IsSymlink)
}

func TestCanonicalizeBrokenLink(t *testing.T) {
	tmp := realTempDir(t)
	link := filepath.Join(tmp, "broken")
	require.NoError(t, os.Symlink(filepath.Join(tmp, "missing"), link))

	_, err := Canonicalize(link)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrokenLink))
}

func TestCanonicalizeBrokenChain(t *testing.T) {
	tmp := realTempDir(t)
	target := filepath.Join(tmp, "target")
	require.NoError(t, os.MkdirAll(target, 0o755))
	middle := filepath.Join(tmp, "middle")
	require.NoError(t, os.Symlink(target, middle))
	outer := filepath.Join(tmp, "outer")
	require.NoError(t, os.Symlink(middle, outer))

	require.NoError(t, os.Remove(target))

	_, err := Canonicalize(outer)
	assert.True(t, errors.Is(err, ErrBrokenLink))
}

func TestCanonicalizeCycle(t *testing.T) {
	tmp := realTempDir(t)
	a := filepath.Join(tmp, "a")
	b := filepath.Join(tmp, "b")
	require.NoError(t, os.Symlink(b, a))
	require.NoError(t, os.Symlink(a, b))

	_, err := Canonicalize(a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicOrTooDeep))
}

func TestCanonicalizeHopLimit(t *testing.T) {
	tmp := realTempDir(t)
	target := filepath.Join(tmp, "target")
	require.NoError(t, os.MkdirAll(target, 0o755))

	chain := func(n int) string {
		prev := target
		for i := 0; i < n; i++ {
			link := filepath.Join(tmp, fmt.Sprintf("chain-%d-%d", n, i))
			require.NoError(t, os.Symlink(prev, link))
			prev = link
		}
		return prev
	}

	t.Run("at the limit", func(t *testing.T) {
		resolved, err := Canonicalize(chain(MaxHops))
		require.NoError(t, err)
		assert.Equal(t, target, resolved.Real)
	})

	t.Run("over the limit", func(t *testing.T) {
		_, err := Canonicalize(chain(MaxHops + 1))
		assert.True(t, errors.Is(err, ErrCyclicOrTooDeep))
	})
}

func TestCanonicalizeMissingEntry(t *testing.T) {
	tmp := realTempDir(t)

	_, err := Canonicalize(filepath.Join(tmp, "nope"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
	assert.False(t, errors.Is(err, ErrBrokenLink))
}

func TestIsSymlink(t *testing.T) {
	tmp := realTempDir(t)
	dir := filepath.Join(tmp, "dir")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	link := filepath.Join(tmp, "link")
	require.NoError(t, os.Symlink(dir, link))

	isLink, err := IsSymlink(link)
	require.NoError(t, err)
	assert.True(t, isLink)

	isLink, err = IsSymlink(dir)
	require.NoError(t, err)
	assert.False(t, isLink)

	_, err = IsSymlink(filepath.Join(tmp, "missing"))
	assert.Error(t, err)
}

func TestRealOrClean(t *testing.T) {
	tmp := realTempDir(t)
	require.NoError(t, os.Symlink(tmp, filepath.Join(tmp, "self")))

	assert.Equal(t, tmp, RealOrClean(filepath.Join(tmp, "self")))
	assert.Equal(t, filepath.Join(tmp, "later"), RealOrClean(filepath.Join(tmp, "x", "..", "later")))
}

func TestWithin(t *testing.T) {
	tests := []struct {
		name string
		path string
		dir  string
		want bool
	}{
		{"same", "/a/b", "/a/b", true},
		{"child", "/a/b/c", "/a/b", true},
		{"sibling prefix", "/a/bc", "/a/b", false},
		{"parent", "/a", "/a/b", false},
		{"empty dir", "/a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Within(filepath.FromSlash(tt.path), filepath.FromSlash(tt.dir)))
		})
	}
}
