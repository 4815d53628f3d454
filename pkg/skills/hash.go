package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// DefaultHashIgnore lists paths (relative, slash separated) left out of
// folder hashes: VCS metadata and editor/OS droppings.
var DefaultHashIgnore = []string{
	".git",
	".git/**",
	"**/.DS_Store",
	"node_modules",
	"node_modules/**",
	"**/*.swp",
}

// HashFolder computes a content-addressed hash of a skill directory. Entries
// are visited in lexical order; each file contributes its relative path and
// either its bytes or, for symlinks, the link target. Directories only count
// through their contents. Paths matching any ignore pattern are skipped. With no patterns DefaultHashIgnore is used.
func HashFolder(dir string, ignore ...string) (string, error) {
	if len(ignore) == 0 {
		ignore = DefaultHashIgnore
	}
	for _, pattern := range ignore {
		if !doublestar.ValidatePattern(pattern) {
			return "", errors.Errorf("invalid ignore pattern %q", pattern)
		}
	}

	h := sha256.New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if ignored(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			writeRecord(h, "l", rel)
			io.WriteString(h, filepath.ToSlash(target))
		case d.Type().IsRegular():
			writeRecord(h, "f", rel)
			if err := hashFile(h, path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to hash %s", dir)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsIgnored reports whether the slash-separated relative path matches one of
// DefaultHashIgnore.
func IsIgnored(rel string) bool {
	return ignored(filepath.ToSlash(rel), DefaultHashIgnore)
}

func ignored(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func writeRecord(w io.Writer, kind, rel string) {
	io.WriteString(w, "\x00")
	io.WriteString(w, kind)
	io.WriteString(w, rel)
	io.WriteString(w, "\x00")
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
