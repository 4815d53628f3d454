package installer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/skillreg/pkg/logger"
	"github.com/jingkaihe/skillreg/pkg/manifest"
	"github.com/jingkaihe/skillreg/pkg/pathutil"
	"github.com/jingkaihe/skillreg/pkg/skills"
	"github.com/jingkaihe/skillreg/pkg/telemetry"
)

// ImportRequest describes a completed skill directory to place in the
// shared directory.
type ImportRequest struct {
	// Dir is the directory holding SKILL.md and its resources.
	Dir string
	// ID names the installed directory. Defaults to the base name of Dir.
	ID string

	Source     string
	SourceType string
	SourceURL  string
	SkillPath  string

	// FolderHash is computed from the copied files when empty.
	FolderHash string
	// Force replaces an existing skill with the same ID.
	Force bool
}

// ImportResult reports where the skill landed and what was recorded.
type ImportResult struct {
	ID       string
	Path     string
	Entry    manifest.Entry
	Replaced bool
}

// Import copies req.Dir into the shared directory and records a manifest
// entry. The copy is staged next to its destination and renamed into place,
// so a failure never leaves a half-written skill behind.
func (m *Manager) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	var result *ImportResult
	err := telemetry.WithSpan(ctx, "installer.import", func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		var err error
		result, err = m.importSkill(ctx, req)
		return err
	}, attribute.String("dir", req.Dir))
	return result, err
}

func (m *Manager) importSkill(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if req.Dir == "" {
		return nil, errors.New("source directory cannot be empty")
	}
	src := pathutil.RealOrClean(req.Dir)
	id := req.ID
	if id == "" {
		id = filepath.Base(src)
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(src, skills.FileName)); err != nil {
		return nil, errors.Wrapf(err, "%s is not a skill directory", src)
	}

	shared := m.catalog.SharedDir()
	dest := filepath.Join(shared, id)
	if pathutil.Within(pathutil.RealOrClean(dest), src) {
		return nil, errors.Errorf("cannot import %s into itself", src)
	}

	_, statErr := os.Lstat(dest)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return nil, errors.Wrapf(statErr, "failed to inspect %s", dest)
	}
	if exists && !req.Force {
		return nil, errors.Wrapf(ErrSkillExists, "%s (use force to replace it)", dest)
	}

	if err := os.MkdirAll(shared, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", shared)
	}
	staging, err := os.MkdirTemp(shared, "."+id+".import-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging directory")
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return nil, errors.Wrap(err, "failed to set staging permissions")
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	if err := copyDir(src, staging); err != nil {
		return nil, errors.Wrapf(err, "failed to copy %s", src)
	}

	hash := req.FolderHash
	if hash == "" {
		if hash, err = skills.HashFolder(staging); err != nil {
			return nil, err
		}
	}

	var aside string
	if exists {
		aside = filepath.Join(shared, "."+id+".replaced-"+uuid.NewString())
		if err := os.Rename(dest, aside); err != nil {
			return nil, errors.Wrapf(err, "failed to move existing %s aside", dest)
		}
	}
	if err := os.Rename(staging, dest); err != nil {
		if aside != "" {
			os.Rename(aside, dest)
		}
		return nil, errors.Wrapf(err, "failed to move %s into place", dest)
	}
	committed = true

	entry, err := m.recordImport(ctx, id, src, hash, req)
	if err != nil {
		os.RemoveAll(dest)
		if aside != "" {
			os.Rename(aside, dest)
		}
		return nil, err
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			logger.G(ctx).WithError(err).WithField("path", aside).Warn("failed to remove replaced skill")
		}
	}

	logger.G(ctx).WithFields(logrus.Fields{"skill": id, "path": dest, "replaced": exists}).Info("imported skill")
	return &ImportResult{ID: id, Path: dest, Entry: entry, Replaced: exists}, nil
}

func (m *Manager) recordImport(ctx context.Context, id, src, hash string, req ImportRequest) (manifest.Entry, error) {
	now := m.now().UTC()
	entry := manifest.Entry{
		Source:          req.Source,
		SourceType:      req.SourceType,
		SourceURL:       req.SourceURL,
		SkillPath:       req.SkillPath,
		SkillFolderHash: hash,
		InstalledAt:     &now,
		UpdatedAt:       &now,
	}
	if entry.Source == "" {
		entry.Source = src
	}
	if entry.SourceType == "" {
		entry.SourceType = "local"
	}
	if m.manifest == nil {
		return entry, nil
	}

	err := m.manifest.Mutate(ctx, func(doc *manifest.Manifest) error {
		if prev, ok := doc.Skills[id]; ok {
			// Keep the original install time, even one kept raw.
			if prev.InstalledAt != nil {
				entry.InstalledAt = prev.InstalledAt
			} else if _, ok := prev.Extra["installedAt"]; ok {
				entry.InstalledAt = nil
			}
			entry.Extra = prev.Extra
		}
		doc.Skills[id] = entry
		return nil
	})
	if err != nil {
		return manifest.Entry{}, errors.Wrapf(err, "failed to record manifest entry %s", id)
	}
	return entry, nil
}

// copyDir copies the tree at src into the existing directory dst. Symlinks
// are recreated rather than followed and ignored paths are skipped.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if skills.IsIgnored(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		destPath := filepath.Join(dst, relPath)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, destPath)
		case info.IsDir():
			return os.MkdirAll(destPath, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(path, destPath, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
