// Package scheduler decides which requests enter the crawl frontier and in
// what order they leave it. It owns the duplicate filter and the priority
// queue, both optionally persisted under a job directory so an interrupted
// crawl can resume.
package scheduler

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"crawlkit/internal/fingerprint"
	"crawlkit/internal/stats"
	"crawlkit/pkg/types"
)

// AdmissionFilter is a policy check consulted before the dupe filter; any
// rejection short-circuits the (more expensive) identity computation.
type AdmissionFilter interface {
	// Accept reports whether req may enter the frontier. Name labels the
	// filter in logs.
	Accept(req *types.Request) bool
	Name() string
}

// Options configures a Scheduler.
type Options struct {
	// JobDir enables disk persistence for the queue and dupe filter. A
	// configured-but-unusable directory is a fatal open error. One
	// scheduler instance must own the directory exclusively.
	JobDir string

	// IgnoreCorruptState degrades corrupt spool files to warnings,
	// resuming with each file's valid prefix instead of failing open.
	IgnoreCorruptState bool

	// DebugDupes logs every filtered duplicate instead of only the first.
	DebugDupes bool

	Fingerprint fingerprint.Options
	Admission   []AdmissionFilter
	Stats       *stats.Stats
	Logger      *slog.Logger
}

// Scheduler orders pending requests and rejects duplicates. All methods
// are safe for concurrent use; access to the queue and filter is
// serialized behind one mutex because retry timers reach the scheduler
// from outside the engine's control goroutine.
type Scheduler struct {
	mu sync.Mutex

	queue     *PriorityQueue
	dupes     *DupeFilter
	admission []AdmissionFilter

	stats  *stats.Stats
	logger *slog.Logger
	jobDir string

	opened  bool
	stopped bool
}

// New builds a Scheduler from options.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Stats
	if st == nil {
		st = stats.New()
	}
	hasher := fingerprint.New(opts.Fingerprint)
	return &Scheduler{
		queue:     NewPriorityQueue(opts.JobDir, opts.IgnoreCorruptState, logger),
		dupes:     NewDupeFilter(hasher, opts.JobDir, opts.DebugDupes, st, logger),
		admission: opts.Admission,
		stats:     st,
		logger:    logger,
		jobDir:    opts.JobDir,
	}
}

// Open prepares the dupe filter, then the queue, restoring persisted state
// when a job directory is configured. A missing or unreadable job
// directory is fatal: silently starting an empty crawl would discard the
// resume state the operator asked for.
func (s *Scheduler) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	if s.jobDir != "" {
		info, err := os.Stat(s.jobDir)
		if err != nil {
			return fmt.Errorf("job directory %s: %w", s.jobDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("job directory %s is not a directory", s.jobDir)
		}
	}

	if err := s.dupes.Open(); err != nil {
		return err
	}
	if err := s.queue.Open(); err != nil {
		s.dupes.Close("open failed")
		return err
	}
	s.opened = true
	return nil
}

// EnqueueRequest offers req to the frontier. It returns false when an
// admission filter or the dupe filter rejected it, or when the scheduler
// has been stopped; the caller must not assume a rejected request was
// queued.
func (s *Scheduler) EnqueueRequest(req *types.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.stopped {
		return false
	}

	for _, filter := range s.admission {
		if !filter.Accept(req) {
			s.stats.AdmissionReject()
			s.logger.Debug("request rejected by admission filter", "filter", filter.Name(), "request", req.String())
			return false
		}
	}

	if s.dupes.Seen(req) {
		return false
	}

	s.queue.Push(req)
	s.stats.Enqueued()
	return true
}

// NextRequest pops the next request to dispatch, or nil when nothing is
// ready. An empty frontier means "idle, check again later"; crawl
// completion is the engine's call, made from additional signals.
func (s *Scheduler) NextRequest() *types.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	return s.queue.Pop()
}

// HasPendingRequests reports whether any request is queued.
func (s *Scheduler) HasPendingRequests() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() > 0
}

// Stop makes all further EnqueueRequest calls no-ops that report
// rejection. Pending requests stay queued so Close can persist them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Close persists queue residue, then closes the dupe filter, in that
// order.
func (s *Scheduler) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false

	flushed, queueErr := s.queue.Close()
	if flushed > 0 {
		s.logger.Info("persisted pending request buckets", "buckets", flushed, "reason", reason)
	}
	dupeErr := s.dupes.Close(reason)
	if queueErr != nil {
		return queueErr
	}
	return dupeErr
}
