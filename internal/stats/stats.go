// Package stats collects crawl counters shared by the scheduler, the
// downloader, and the engine.
package stats

import "sync/atomic"

// Stats is a set of monotonically increasing crawl counters. All methods
// are safe for concurrent use.
type Stats struct {
	enqueued        atomic.Int64
	filtered        atomic.Int64
	admissionReject atomic.Int64
	dispatched      atomic.Int64
	responses       atomic.Int64
	retried         atomic.Int64
	failed          atomic.Int64
	items           atomic.Int64
}

// New returns an empty counter set.
func New() *Stats {
	return &Stats{}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued        int64
	FilteredDupes   int64
	AdmissionReject int64
	Dispatched      int64
	Responses       int64
	Retried         int64
	PermanentFailed int64
	Items           int64
}

func (s *Stats) Enqueued()        { s.enqueued.Add(1) }
func (s *Stats) FilteredDupe()    { s.filtered.Add(1) }
func (s *Stats) AdmissionReject() { s.admissionReject.Add(1) }
func (s *Stats) Dispatched()      { s.dispatched.Add(1) }
func (s *Stats) Response()        { s.responses.Add(1) }
func (s *Stats) Retried()         { s.retried.Add(1) }
func (s *Stats) PermanentFail()   { s.failed.Add(1) }
func (s *Stats) Item()            { s.items.Add(1) }

// FilteredDupes returns the running duplicate count.
func (s *Stats) FilteredDupes() int64 { return s.filtered.Load() }

// Snapshot captures the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Enqueued:        s.enqueued.Load(),
		FilteredDupes:   s.filtered.Load(),
		AdmissionReject: s.admissionReject.Load(),
		Dispatched:      s.dispatched.Load(),
		Responses:       s.responses.Load(),
		Retried:         s.retried.Load(),
		PermanentFailed: s.failed.Load(),
		Items:           s.items.Load(),
	}
}
