package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/skillreg/pkg/logger"
	"github.com/jingkaihe/skillreg/pkg/telemetry"
)

// ErrClosed is returned for scans requested after Close.
var ErrClosed = errors.New("registry is closed")

// Source produces snapshots. *Scanner is the production implementation.
type Source interface {
	Scan(ctx context.Context) (*Snapshot, error)
}

type scanResult struct {
	snap *Snapshot
	err  error
}

type subscriber struct {
	id uint64
	fn func(*Snapshot)
}

// Registry publishes the current snapshot and coalesces scan requests: at
// most one scan runs at a time and at most one more is queued behind it.
type Registry struct {
	source  Source
	baseCtx context.Context
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	running bool
	pending bool
	waiters []chan scanResult
	closed  bool
	subs    []subscriber
	nextSub uint64
	wg      sync.WaitGroup
}

// New creates a registry. Scans run with ctx, which is never cancelled by
// the registry itself; its logger is used for scan logging.
func New(ctx context.Context, source Source) *Registry {
	return &Registry{source: source, baseCtx: ctx}
}

// Current returns the last published snapshot, or nil before the first scan
// completes. It never blocks.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Scan waits for a scan that starts after the call and returns its
// snapshot. Concurrent callers share one scan.
func (r *Registry) Scan(ctx context.Context) (*Snapshot, error) {
	ch := make(chan scanResult, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.waiters = append(r.waiters, ch)
	r.pending = true
	r.startLocked()
	r.mu.Unlock()

	select {
	case res := <-ch:
		return res.snap, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestScan schedules a scan without waiting for it. Requests made while
// a scan is running collapse into a single follow-up scan.
func (r *Registry) RequestScan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.pending = true
	r.startLocked()
}

// CancelPending drops a queued scan that nobody is waiting on. A scan that
// is already running is not affected.
func (r *Registry) CancelPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.waiters) == 0 {
		r.pending = false
	}
}

// Subscribe registers fn to be called with every newly published snapshot.
// Callbacks run on the scan goroutine in registration order and must not
// call Scan; RequestScan is fine. The returned function removes the
// subscription.
func (r *Registry) Subscribe(fn func(*Snapshot)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	id := r.nextSub
	r.subs = append(r.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.subs {
				if s.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Close stops scheduling scans. A scan already running completes and is
// published; queued requests are dropped and their waiters get ErrClosed.
// Close returns once no scan is running.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	r.pending = false
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, w := range waiters {
		w <- scanResult{err: ErrClosed}
	}
	r.wg.Wait()
}

func (r *Registry) startLocked() {
	if r.running {
		return
	}
	r.running = true
	r.wg.Add(1)
	go r.loop()
}

func (r *Registry) loop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if !r.pending || r.closed {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		waiters := r.waiters
		r.waiters = nil
		r.mu.Unlock()

		snap, err := r.source.Scan(r.baseCtx)
		if err != nil {
			logger.G(r.baseCtx).WithError(err).Warn("scan failed")
		} else {
			r.publish(snap)
		}
		for _, w := range waiters {
			w <- scanResult{snap: snap, err: err}
		}
	}
}

func (r *Registry) publish(snap *Snapshot) {
	r.current.Store(snap)

	r.mu.Lock()
	subs := make([]subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	telemetry.WithSpanFunc(r.baseCtx, "registry.publish", func(context.Context) {
		for _, s := range subs {
			s.fn(snap)
		}
	}, attribute.String("registry.snapshot", snap.ID), attribute.Int("registry.subscribers", len(subs)))
}
