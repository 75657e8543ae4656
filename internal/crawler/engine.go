package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crawlkit/internal/downloader"
	"crawlkit/internal/scheduler"
	"crawlkit/internal/stats"
	"crawlkit/internal/storage"
	"crawlkit/pkg/types"
)

// Handler turns a fetched response into follow-up requests and items.
// Handlers run on the engine's control goroutine and must not block on
// network I/O.
type Handler func(resp *types.Response) (types.ParseResult, error)

// Options configures an Engine directly, without going through the
// config file. NewEngine is the usual entry point; tests wire this.
type Options struct {
	Scheduler  *scheduler.Scheduler
	Downloader *downloader.Downloader
	Retry      downloader.RetryPolicy
	Pipeline   *storage.Pipeline
	Stats      *stats.Stats
	Logger     *slog.Logger

	// MaxInFlight caps requests the engine has dispatched and not yet
	// collected. It matches the downloader's global cap.
	MaxInFlight int

	// GracePeriod bounds how long shutdown waits for in-flight fetches
	// before abandoning them.
	GracePeriod time.Duration
}

type fetchResult struct {
	req  *types.Request
	resp *types.Response
	err  error
}

// Engine runs the crawl: it pulls requests from the scheduler, hands
// them to the downloader, and feeds results to handlers, the retry
// policy, and the item pipeline. One control goroutine owns all
// scheduling decisions; fetches run in their own goroutines and report
// back over a channel.
type Engine struct {
	sched    *scheduler.Scheduler
	dl       *downloader.Downloader
	retry    downloader.RetryPolicy
	pipeline *storage.Pipeline
	stats    *stats.Stats
	logger   *slog.Logger

	maxInFlight int
	gracePeriod time.Duration

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	// results carries completed fetches back to the control goroutine;
	// its capacity matches MaxInFlight so fetch goroutines never block
	// on delivery.
	results chan fetchResult

	// requeue carries backoff-delayed retries back in. pendingTimers
	// counts timers armed but not yet delivered; it is owned by the
	// control goroutine and keeps completion detection honest while a
	// retry sits in a timer rather than in the queue.
	requeue       chan *types.Request
	pendingTimers int

	// inflight is the engine's own count of dispatched, uncollected
	// fetches. The downloader's counter decrements before the result is
	// delivered, so completion checks must not rely on it.
	inflight int

	done chan struct{}

	seeds   []*types.Request
	closers []func() error
}

// New builds an Engine from pre-assembled components.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Stats
	if st == nil {
		st = stats.New()
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = storage.NewPipeline(logger)
	}
	return &Engine{
		sched:       opts.Scheduler,
		dl:          opts.Downloader,
		retry:       opts.Retry,
		pipeline:    pipeline,
		stats:       st,
		logger:      logger,
		maxInFlight: maxInFlight,
		gracePeriod: grace,
		handlers:    make(map[string]Handler),
		results:     make(chan fetchResult, maxInFlight),
		requeue:     make(chan *types.Request, maxInFlight),
		done:        make(chan struct{}),
	}
}

// RegisterHandler binds a handler name, as carried by requests, to a
// parse function. Registering before Run is required for any name the
// crawl will reference; a request naming an unknown handler fails
// permanently.
func (e *Engine) RegisterHandler(name string, h Handler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handlers[name] = h
}

func (e *Engine) handler(name string) (Handler, bool) {
	if name == "" {
		name = DefaultHandler
	}
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// EnqueueRequest offers a request to the crawl from outside the control
// loop, for example a seed added after construction. It reports whether
// the scheduler accepted it.
func (e *Engine) EnqueueRequest(req *types.Request) bool {
	return e.sched.EnqueueRequest(req)
}

// Stats exposes the engine's counters.
func (e *Engine) Stats() *stats.Stats { return e.stats }

// Run drives the crawl to completion: the queue drained, no fetch in
// flight, and no retry timer pending. Cancelling ctx starts a graceful
// shutdown that stops new work, waits up to the grace period for
// in-flight fetches, and persists scheduler state.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.sched.Open(); err != nil {
		return fmt.Errorf("open scheduler: %w", err)
	}

	for _, seed := range e.seeds {
		if !e.sched.EnqueueRequest(seed) {
			e.logger.Warn("seed rejected", "request", seed.String())
		}
	}

	var runErr error
loop:
	for {
		for e.inflight < e.maxInFlight && e.dl.HasCapacity() {
			req := e.sched.NextRequest()
			if req == nil {
				break
			}
			e.dispatch(ctx, req)
		}

		if e.inflight == 0 && e.pendingTimers == 0 && !e.sched.HasPendingRequests() {
			break
		}

		select {
		case res := <-e.results:
			e.inflight--
			e.handleResult(ctx, res)
		case req := <-e.requeue:
			e.pendingTimers--
			e.resubmit(req)
		case <-ctx.Done():
			runErr = e.drain()
			break loop
		}
	}

	return errors.Join(runErr, e.finish())
}

// drain handles shutdown: no new dispatches, wait for in-flight fetches
// until the grace period expires. Their results are still routed through
// handleResult so retries land back in the queue and get persisted.
func (e *Engine) drain() error {
	e.sched.Stop()
	e.logger.Info("shutdown requested, draining",
		"inflight", e.inflight,
		"transferring", e.dl.Transferring(),
		"grace", e.gracePeriod,
	)

	deadline := time.NewTimer(e.gracePeriod)
	defer deadline.Stop()

	ctx := context.Background()
	for e.inflight > 0 {
		select {
		case res := <-e.results:
			e.inflight--
			e.handleResult(ctx, res)
		case req := <-e.requeue:
			e.pendingTimers--
			// Rejected by the stopped scheduler; recorded as lost.
			e.resubmit(req)
		case <-deadline.C:
			e.logger.Warn("grace period expired with fetches in flight",
				"inflight", e.inflight,
				"dispatched", e.dl.InFlight(),
				"transferring", e.dl.Transferring(),
			)
			return fmt.Errorf("shutdown abandoned %d in-flight requests", e.inflight)
		}
	}
	return nil
}

func (e *Engine) finish() error {
	close(e.done)

	snap := e.stats.Snapshot()
	e.logger.Info("crawl finished",
		"enqueued", snap.Enqueued,
		"filtered_dupes", snap.FilteredDupes,
		"admission_rejects", snap.AdmissionReject,
		"responses", snap.Responses,
		"retried", snap.Retried,
		"failed", snap.PermanentFailed,
		"items", snap.Items,
	)

	errs := []error{e.sched.Close("finished")}
	errs = append(errs, e.pipeline.Close())
	for _, closeFn := range e.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

func (e *Engine) dispatch(ctx context.Context, req *types.Request) {
	e.inflight++
	e.stats.Dispatched()
	go func() {
		resp, err := e.dl.Fetch(ctx, req)
		e.results <- fetchResult{req: req, resp: resp, err: err}
	}()
}

func (e *Engine) handleResult(ctx context.Context, res fetchResult) {
	req := res.req

	if res.err != nil {
		if e.retry.RetriableError(res.err) {
			e.maybeRetry(req, res.err.Error())
			return
		}
		e.permanentFail(req, res.err)
		return
	}

	resp := res.resp
	e.stats.Response()

	if e.retry.RetriableStatus(resp.StatusCode) {
		e.maybeRetry(req, fmt.Sprintf("status %d", resp.StatusCode))
		return
	}
	if resp.StatusCode >= 400 {
		e.permanentFail(req, fmt.Errorf("status %d", resp.StatusCode))
		return
	}

	h, ok := e.handler(req.Handler)
	if !ok {
		e.permanentFail(req, fmt.Errorf("no handler registered for %q", req.Handler))
		return
	}

	result, err := invoke(h, resp)
	if err != nil {
		e.permanentFail(req, err)
		return
	}

	for _, child := range result.Requests {
		e.sched.EnqueueRequest(child)
	}
	for _, item := range result.Items {
		if err := e.pipeline.Process(ctx, item); err != nil {
			e.logger.Error("item pipeline failed", "request", req.String(), "error", err)
			continue
		}
		e.stats.Item()
	}
}

// invoke shields the control loop from a panicking handler; the request
// fails permanently instead of killing the crawl.
func invoke(h Handler, resp *types.Response) (result types.ParseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = types.ParseResult{}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(resp)
}

// maybeRetry re-submits a copy of req if its retry budget allows,
// bumping its priority so the retry is not starved behind fresh
// discoveries and marking it to bypass the dupe filter, which has
// already seen it. The copy keeps the failed attempt's request intact
// for anything still holding it.
func (e *Engine) maybeRetry(req *types.Request, reason string) {
	if req.Retries >= e.retry.MaxRetries {
		e.permanentFail(req, fmt.Errorf("retry budget exhausted after %d retries: %s", req.Retries, reason))
		return
	}

	retry := req.Clone()
	retry.Retries++
	retry.Priority += e.retry.PriorityBoost
	retry.DontFilter = true
	e.stats.Retried()
	e.logger.Debug("retrying request", "request", retry.String(), "attempt", retry.Retries, "reason", reason)

	if e.retry.Backoff <= 0 {
		e.resubmit(retry)
		return
	}

	e.pendingTimers++
	time.AfterFunc(e.retry.Backoff, func() {
		select {
		case e.requeue <- retry:
		case <-e.done:
		}
	})
}

func (e *Engine) resubmit(req *types.Request) {
	if !e.sched.EnqueueRequest(req) {
		e.logger.Debug("retry rejected by scheduler", "request", req.String())
	}
}

func (e *Engine) permanentFail(req *types.Request, err error) {
	e.stats.PermanentFail()
	e.logger.Warn("request failed permanently", "request", req.String(), "retries", req.Retries, "error", err)
}
