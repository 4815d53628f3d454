// Package pathutil resolves filesystem entries to their canonical real path.
//
// Resolution walks the path one component at a time and follows symlinks
// explicitly, so a cycle or an overly long chain surfaces as
// ErrCyclicOrTooDeep instead of depending on how the host OS reports it.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// MaxHops is the maximum number of symlinks followed while resolving one path.
const MaxHops = 32

var (
	// ErrBrokenLink is returned when a symlink chain ends at a target that does not exist.
	ErrBrokenLink = errors.New("broken symlink")
	// ErrCyclicOrTooDeep is returned when resolution needs more than MaxHops links.
	ErrCyclicOrTooDeep = errors.New("symlink chain is cyclic or too deep")
)

// Resolved describes a successfully canonicalized entry.
type Resolved struct {
	// Path is the absolute, cleaned path that was resolved.
	Path string
	// Real is the fully symlink-resolved location.
	Real string
	// IsSymlink reports whether Path itself is a symlink.
	IsSymlink bool
	// IsDir reports whether Real is a directory.
	IsDir bool
}

// Canonicalize resolves path to its real location. A symlink whose final
// target is missing yields ErrBrokenLink; exceeding MaxHops yields
// ErrCyclicOrTooDeep. Any other failure (permission, missing entry) is
// returned wrapped and can be inspected with os.IsNotExist/os.IsPermission
// on errors.Cause.
func Canonicalize(path string) (Resolved, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Resolved{}, errors.Wrapf(err, "failed to make %s absolute", path)
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return Resolved{}, errors.Wrapf(err, "failed to stat %s", abs)
	}

	real, err := resolve(abs)
	if err != nil {
		return Resolved{}, err
	}

	target, err := os.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return Resolved{}, errors.Wrapf(ErrBrokenLink, "%s", abs)
		}
		return Resolved{}, errors.Wrapf(err, "failed to stat %s", real)
	}

	return Resolved{
		Path:      abs,
		Real:      real,
		IsSymlink: info.Mode()&os.ModeSymlink != 0,
		IsDir:     target.IsDir(),
	}, nil
}

// resolve performs the component-wise walk. Components of link targets are
// pushed back onto the pending queue so that links inside targets are
// followed too.
func resolve(abs string) (string, error) {
	vol := filepath.VolumeName(abs)
	root := vol + string(filepath.Separator)

	resolved := root
	pending := splitComponents(abs[len(vol):])
	hops := 0

	for len(pending) > 0 {
		component := pending[0]
		pending = pending[1:]

		switch component {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, component)
		info, err := os.Lstat(next)
		if err != nil {
			if os.IsNotExist(err) && hops > 0 {
				return "", errors.Wrapf(ErrBrokenLink, "%s", abs)
			}
			return "", errors.Wrapf(err, "failed to stat %s", next)
		}

		if info.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > MaxHops {
			return "", errors.Wrapf(ErrCyclicOrTooDeep, "%s", abs)
		}

		target, err := os.Readlink(next)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read link %s", next)
		}

		if filepath.IsAbs(target) {
			tvol := filepath.VolumeName(target)
			resolved = tvol + string(filepath.Separator)
			target = target[len(tvol):]
		}
		pending = append(splitComponents(target), pending...)
	}

	return resolved, nil
}

func splitComponents(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}

// IsSymlink reports whether path itself is a symlink, without following it.
func IsSymlink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, errors.Wrapf(err, "failed to stat %s", path)
	}
	return info.Mode()&os.ModeSymlink != 0, nil
}

// RealOrClean canonicalizes path when it exists and otherwise returns the
// cleaned absolute form. Used for configured roots that may not exist yet.
func RealOrClean(path string) string {
	if r, err := Canonicalize(path); err == nil {
		return r.Real
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// Within reports whether path equals dir or lies beneath it. Both arguments
// are compared as cleaned paths; callers pass canonical forms.
func Within(path, dir string) bool {
	if dir == "" {
		return false
	}
	path = filepath.Clean(path)
	dir = filepath.Clean(dir)
	if path == dir {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
