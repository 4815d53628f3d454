package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebounce = 50 * time.Millisecond

type recorder struct {
	mu    sync.Mutex
	calls [][]string
	ch    chan []string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan []string, 64)}
}

func (r *recorder) onChange(paths []string) {
	r.mu.Lock()
	r.calls = append(r.calls, paths)
	r.mu.Unlock()
	r.ch <- paths
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case paths := <-r.ch:
		return paths
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
		return nil
	}
}

func (r *recorder) drain() {
	for {
		select {
		case <-r.ch:
		case <-time.After(4 * testDebounce):
			return
		}
	}
}

func startWatcher(t *testing.T, paths []string, opts ...Option) (*Watcher, *recorder) {
	t.Helper()
	w, err := New(append([]Option{WithDebounce(testDebounce)}, opts...)...)
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, w.Start(context.Background(), paths, rec.onChange))
	t.Cleanup(w.Stop)
	return w, rec
}

func TestNotifyBurstCoalesces(t *testing.T) {
	w, rec := startWatcher(t, nil)

	for i := 0; i < 10; i++ {
		w.Notify("/b")
		w.Notify("/a")
	}

	assert.Equal(t, []string{"/a", "/b"}, rec.wait(t))
	time.Sleep(4 * testDebounce)
	assert.Equal(t, 1, rec.count())
}

func TestSpacedNotificationsFireSeparately(t *testing.T) {
	w, rec := startWatcher(t, nil)

	for i := 0; i < 3; i++ {
		w.Notify("/x")
		assert.Equal(t, []string{"/x"}, rec.wait(t))
	}
	assert.Equal(t, 3, rec.count())
}

func TestNothingFiresAfterStop(t *testing.T) {
	w, err := New(WithDebounce(testDebounce))
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, w.Start(context.Background(), nil, rec.onChange))

	w.Notify("/x")
	w.Stop()
	w.Notify("/y")

	time.Sleep(4 * testDebounce)
	assert.Equal(t, 0, rec.count())

	w.Stop()
}

func TestStopWaitsForRunningCallback(t *testing.T) {
	w, err := New(WithDebounce(testDebounce))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, w.Start(context.Background(), nil, func([]string) {
		close(entered)
		<-release
	}))

	w.Notify("/x")
	<-entered

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the callback was running")
	case <-time.After(2 * testDebounce):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the callback finished")
	}
}

func TestStartTwice(t *testing.T) {
	w, _ := startWatcher(t, nil)
	err := w.Start(context.Background(), nil, func([]string) {})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStartRequiresCallback(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background(), nil, nil))
}

func TestStopBeforeStart(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	w.Stop()
	w.Notify("/x")
}

func TestInvalidExclude(t *testing.T) {
	_, err := New(WithExcludes("[unterminated"))
	assert.Error(t, err)
}

func TestContextCancelStopsDelivery(t *testing.T) {
	w, err := New(WithDebounce(testDebounce))
	require.NoError(t, err)
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx, nil, rec.onChange))

	cancel()
	w.Stop()
	w.Notify("/x")
	time.Sleep(4 * testDebounce)
	assert.Equal(t, 0, rec.count())
}

func TestFileWritesInWatchedDirectory(t *testing.T) {
	dir := t.TempDir()
	skill := filepath.Join(dir, "pdf")
	require.NoError(t, os.MkdirAll(skill, 0o755))

	_, rec := startWatcher(t, []string{dir}, WithDebounce(200*time.Millisecond))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(skill, "SKILL.md"), []byte("v"), 0o644))
	}
	paths := rec.wait(t)
	assert.Contains(t, paths, filepath.Join(skill, "SKILL.md"))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "a burst of writes is one notification")
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	w, rec := startWatcher(t, []string{dir})

	skill := filepath.Join(dir, "new-skill")
	require.NoError(t, os.MkdirAll(skill, 0o755))
	assert.Contains(t, rec.wait(t), skill)
	assert.Contains(t, w.WatchedDirs(), skill)

	require.NoError(t, os.WriteFile(filepath.Join(skill, "SKILL.md"), []byte("x"), 0o644))
	assert.Contains(t, rec.wait(t), filepath.Join(skill, "SKILL.md"))
}

func TestExcludedNamesAreIgnored(t *testing.T) {
	dir := t.TempDir()
	_, rec := startWatcher(t, []string{dir}, WithExcludes("*.bak"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.bak"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".pdf.import-123"), []byte("x"), 0o644))

	time.Sleep(6 * testDebounce)
	assert.Equal(t, 0, rec.count())
}

func TestFileTargetFiltersSiblings(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, ".skill-lock.json")
	_, rec := startWatcher(t, []string{lock})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	time.Sleep(6 * testDebounce)
	assert.Equal(t, 0, rec.count())

	require.NoError(t, os.WriteFile(lock, []byte("{}"), 0o644))
	assert.Equal(t, []string{lock}, rec.wait(t))
}

func TestMissingDirectoryIsPickedUp(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "agent", "skills")
	w, rec := startWatcher(t, []string{target})
	assert.Equal(t, []string{root}, w.WatchedDirs())

	require.NoError(t, os.MkdirAll(filepath.Join(root, "agent"), 0o755))
	rec.wait(t)
	require.NoError(t, os.MkdirAll(target, 0o755))
	rec.wait(t)
	rec.drain()
	assert.Contains(t, w.WatchedDirs(), target)

	require.NoError(t, os.MkdirAll(filepath.Join(target, "pdf"), 0o755))
	assert.Contains(t, rec.wait(t), filepath.Join(target, "pdf"))
}
