package manifest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/skillreg/pkg/logger"
	"github.com/jingkaihe/skillreg/pkg/telemetry"
)

const (
	defaultRenameAttempts = 3
	defaultRenameDelay    = 20 * time.Millisecond
)

// Store owns the lock file at one path. Loads are cached and revalidated by
// modification time and size; mutations are serialized in-process by a mutex
// and across processes by a lock file next to the manifest.
type Store struct {
	path string

	mu sync.Mutex

	cacheMu sync.RWMutex
	cached  *Manifest
	stamp   fileStamp

	renameAttempts uint
	renameDelay    time.Duration

	rename    func(oldpath, newpath string) error
	writeTemp func(f *os.File, data []byte) error
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{modTime: info.ModTime(), size: info.Size()}
}

// Option configures a Store
type Option func(*Store) error

// WithRenameRetry bounds the retries for a failed rename of the temp file
// over the manifest.
func WithRenameRetry(attempts uint, delay time.Duration) Option {
	return func(s *Store) error {
		if attempts == 0 {
			return errors.New("rename attempts must be at least 1")
		}
		s.renameAttempts = attempts
		s.renameDelay = delay
		return nil
	}
}

// NewStore creates a store for the manifest at path. The file does not need
// to exist.
func NewStore(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("manifest path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve manifest path")
	}

	s := &Store{
		path:           abs,
		renameAttempts: defaultRenameAttempts,
		renameDelay:    defaultRenameDelay,
		rename:         os.Rename,
		writeTemp:      writeAndSync,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the manifest location.
func (s *Store) Path() string {
	return s.path
}

// Load returns a copy of the current manifest. A missing file is an empty
// manifest; an unreadable document is ErrManifestCorrupt.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.setCache(nil, fileStamp{})
			return New(), nil
		}
		return nil, errors.Wrap(err, "failed to stat manifest")
	}

	stamp := stampOf(info)
	s.cacheMu.RLock()
	if s.cached != nil && s.stamp == stamp {
		m := s.cached.Clone()
		s.cacheMu.RUnlock()
		return m, nil
	}
	s.cacheMu.RUnlock()

	m, stamp, err := s.read()
	if err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("path", s.path).Debug("manifest reloaded")
	s.setCache(m, stamp)
	return m.Clone(), nil
}

// Entry returns the entry for id, if recorded.
func (s *Store) Entry(ctx context.Context, id string) (Entry, bool, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := m.Skills[id]
	return e, ok, nil
}

// Mutate applies fn to a fresh copy of the manifest read under the lock and
// atomically replaces the file with the result. If fn fails, or anything
// fails before the rename, the file on disk is left untouched.
func (s *Store) Mutate(ctx context.Context, fn func(*Manifest) error) error {
	return telemetry.WithSpan(ctx, "manifest.mutate", func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		dir := filepath.Dir(s.path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create manifest directory")
		}

		unlock, err := lockedfile.MutexAt(s.path + ".lock").Lock()
		if err != nil {
			return errors.Wrap(err, "failed to lock manifest")
		}
		defer unlock()

		m, _, err := s.read()
		if err != nil {
			if !os.IsNotExist(errors.Cause(err)) {
				return err
			}
			m = New()
		}

		if err := fn(m); err != nil {
			return err
		}
		if m.Version <= 0 {
			m.Version = CurrentVersion
		}
		if m.Skills == nil {
			m.Skills = map[string]Entry{}
		}

		data, err := m.Encode()
		if err != nil {
			return err
		}
		if err := s.replace(ctx, dir, data); err != nil {
			return err
		}

		info, err := os.Stat(s.path)
		if err != nil {
			s.setCache(nil, fileStamp{})
			return nil
		}
		s.setCache(m, stampOf(info))
		return nil
	}, attribute.String("manifest.path", s.path))
}

// RecordEntry inserts or replaces the entry for id.
func (s *Store) RecordEntry(ctx context.Context, id string, e Entry) error {
	if id == "" {
		return errors.New("skill id cannot be empty")
	}
	err := s.Mutate(ctx, func(m *Manifest) error {
		m.Skills[id] = e.Clone()
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to record manifest entry %s", id)
	}
	logger.G(ctx).WithFields(logrus.Fields{"skill": id, "source": e.Source}).Info("recorded manifest entry")
	return nil
}

// UpdateEntry replaces the folder hash and update time of an existing entry.
// It reports whether the entry existed; a missing entry is left absent.
func (s *Store) UpdateEntry(ctx context.Context, id, newHash string, updatedAt time.Time) (bool, error) {
	found := false
	err := s.Mutate(ctx, func(m *Manifest) error {
		e, ok := m.Skills[id]
		if !ok {
			return nil
		}
		found = true
		e.SkillFolderHash = newHash
		e.UpdatedAt = Stamp(updatedAt)
		m.Skills[id] = e
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to update manifest entry %s", id)
	}
	return found, nil
}

// RemoveEntry deletes the entry for id. Removing an absent entry succeeds.
func (s *Store) RemoveEntry(ctx context.Context, id string) error {
	err := s.Mutate(ctx, func(m *Manifest) error {
		delete(m.Skills, id)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to remove manifest entry %s", id)
	}
	return nil
}

func (s *Store) read() (*Manifest, fileStamp, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fileStamp{}, errors.Wrap(err, "failed to open manifest")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, errors.Wrap(err, "failed to stat manifest")
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fileStamp{}, errors.Wrap(err, "failed to read manifest")
	}

	m, err := Decode(data)
	if err != nil {
		return nil, fileStamp{}, errors.Wrapf(err, "%s", s.path)
	}
	return m, stampOf(info), nil
}

// replace writes data to a sibling temp file and renames it over the
// manifest. The temp file is removed on any failure.
func (s *Store) replace(ctx context.Context, dir string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp manifest")
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if err = s.writeTemp(tmp, data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp manifest")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp manifest")
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return errors.Wrap(err, "failed to set manifest permissions")
	}

	err = retry.Do(
		func() error { return s.rename(tmpName, s.path) },
		retry.Attempts(s.renameAttempts),
		retry.Delay(s.renameDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying manifest rename")
		}),
	)
	if err != nil {
		return errors.Wrap(err, "failed to replace manifest")
	}
	return nil
}

func (s *Store) setCache(m *Manifest, stamp fileStamp) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if m == nil {
		s.cached = nil
		s.stamp = fileStamp{}
		return
	}
	s.cached = m.Clone()
	s.stamp = stamp
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
