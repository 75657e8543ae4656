// Package downloader bounds crawl concurrency. A global cap applies across
// all destinations and a slot per destination origin enforces its own
// concurrency limit, inter-request delay, and optional token bucket.
package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"crawlkit/pkg/types"
)

// Transport performs the actual network I/O. Errors it returns are
// classified by RetryPolicy into transient and permanent failures.
type Transport interface {
	Send(ctx context.Context, req *types.Request) (*types.Response, error)
}

// Options configures the downloader.
type Options struct {
	// MaxGlobal caps requests dispatched and not yet completed across all
	// slots.
	MaxGlobal int

	// MaxPerSlot caps concurrent transfers per destination origin.
	MaxPerSlot int

	// Delay is the minimum pause between two transfers on one slot.
	Delay time.Duration

	// RandomizeDelay scales each pause by a factor in [0.5, 1.5) so many
	// crawlers hitting one origin do not fall into lockstep.
	RandomizeDelay bool

	// SlotRate, when positive, additionally applies a token bucket of
	// SlotRate requests per SlotRateWindow to each slot.
	SlotRate       int
	SlotRateWindow time.Duration

	Logger *slog.Logger
}

// Downloader coordinates bounded concurrent fetching through a Transport.
type Downloader struct {
	transport Transport
	opts      Options
	logger    *slog.Logger

	global *semaphore.Weighted

	// active counts dispatched requests, including those still waiting
	// for slot capacity; transferring counts requests on the wire.
	active       atomic.Int64
	transferring atomic.Int64

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	tokens     chan struct{}
	limiter    *rate.Limiter // nil unless a slot rate is configured
	mu         sync.Mutex
	lastIssued time.Time
}

// New builds a Downloader around transport.
func New(transport Transport, opts Options) *Downloader {
	if opts.MaxGlobal <= 0 {
		opts.MaxGlobal = 16
	}
	if opts.MaxPerSlot <= 0 {
		opts.MaxPerSlot = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger,
		global:    semaphore.NewWeighted(int64(opts.MaxGlobal)),
		slots:     make(map[string]*slot),
	}
}

// HasCapacity reports whether another request may be dispatched right now
// under the global cap. Per-slot limits are enforced inside Fetch, where
// the request waits without occupying the wire.
func (d *Downloader) HasCapacity() bool {
	return d.active.Load() < int64(d.opts.MaxGlobal)
}

// InFlight returns the number of dispatched, not yet completed requests.
func (d *Downloader) InFlight() int64 { return d.active.Load() }

// Transferring returns the number of requests currently on the wire.
func (d *Downloader) Transferring() int64 { return d.transferring.Load() }

// Idle reports whether no request is dispatched or pending.
func (d *Downloader) Idle() bool { return d.active.Load() == 0 }

// Fetch sends req through the transport, honouring the global cap, the
// slot's concurrency cap, its inter-request delay, and its token bucket.
// It blocks until completion and is intended to run in a goroutine owned
// by the engine. Capacity is released exactly once per call, whatever the
// outcome.
func (d *Downloader) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	d.active.Add(1)
	defer d.active.Add(-1)

	if err := d.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire global capacity: %w", err)
	}
	defer d.global.Release(1)

	sl := d.slot(req.SlotKey())
	select {
	case sl.tokens <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sl.tokens }()

	if err := d.throttle(ctx, sl); err != nil {
		return nil, err
	}

	d.transferring.Add(1)
	defer d.transferring.Add(-1)
	return d.send(ctx, req)
}

// send shields the engine from a transport that panics instead of
// returning an error; the deferred releases above must still run so the
// slot is not leaked for the rest of the crawl.
func (d *Downloader) send(ctx context.Context, req *types.Request) (resp *types.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("transport panic fetching %s: %v", req, r)
		}
	}()
	return d.transport.Send(ctx, req)
}

// throttle enforces the slot delay (with optional jitter) and token
// bucket before a transfer starts.
func (d *Downloader) throttle(ctx context.Context, sl *slot) error {
	if d.opts.Delay > 0 {
		sl.mu.Lock()
		wait := time.Until(sl.lastIssued.Add(d.issueDelay()))
		if wait < 0 {
			wait = 0
		}
		sl.lastIssued = time.Now().Add(wait)
		sl.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	} else {
		sl.mu.Lock()
		sl.lastIssued = time.Now()
		sl.mu.Unlock()
	}

	if sl.limiter != nil {
		if err := sl.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downloader) issueDelay() time.Duration {
	if !d.opts.RandomizeDelay {
		return d.opts.Delay
	}
	return time.Duration((0.5 + rand.Float64()) * float64(d.opts.Delay))
}

func (d *Downloader) slot(key string) *slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sl, ok := d.slots[key]; ok {
		return sl
	}
	sl := &slot{tokens: make(chan struct{}, d.opts.MaxPerSlot)}
	if d.opts.SlotRate > 0 && d.opts.SlotRateWindow > 0 {
		interval := d.opts.SlotRateWindow / time.Duration(d.opts.SlotRate)
		if interval <= 0 {
			interval = time.Millisecond
		}
		sl.limiter = rate.NewLimiter(rate.Every(interval), d.opts.SlotRate)
	}
	d.slots[key] = sl
	d.logger.Debug("opened download slot",
		"slot", key,
		"max_concurrency", d.opts.MaxPerSlot,
		"delay", d.opts.Delay,
	)
	return sl
}
