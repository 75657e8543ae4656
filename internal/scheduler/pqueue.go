package scheduler

import (
	"fmt"
	"log/slog"
	"sort"

	"crawlkit/pkg/types"
)

// PriorityQueue holds pending requests in priority buckets. Pop always
// serves the highest-priority non-empty bucket and is LIFO within a
// bucket, which walks a site depth-first by default and keeps the frontier
// smaller than breadth-first would. With a job directory configured, each
// bucket spills to its own spool file on Close and is restored on Open.
type PriorityQueue struct {
	buckets map[int][]*types.Request
	// priorities is kept sorted ascending; the active maximum is the
	// last element.
	priorities []int
	count      int

	spool  *spool // nil without a job directory
	logger *slog.Logger
}

// NewPriorityQueue builds a queue. jobDir may be empty for a purely
// in-memory queue.
func NewPriorityQueue(jobDir string, ignoreCorrupt bool, logger *slog.Logger) *PriorityQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &PriorityQueue{
		buckets: make(map[int][]*types.Request),
		logger:  logger,
	}
	if jobDir != "" {
		q.spool = newSpool(jobDir, ignoreCorrupt, logger)
	}
	return q
}

// Open restores any spool files left by a previous run. Returns an error
// for corrupt persisted state unless ignore-corrupt was configured.
func (q *PriorityQueue) Open() error {
	if q.spool == nil {
		return nil
	}
	restored, err := q.spool.restore()
	if err != nil {
		return err
	}
	for priority, reqs := range restored {
		if len(reqs) == 0 {
			continue
		}
		q.buckets[priority] = reqs
		q.trackPriority(priority)
		q.count += len(reqs)
	}
	if q.count > 0 {
		q.logger.Info("resumed pending requests from job directory", "requests", q.count, "buckets", len(restored))
	}
	return nil
}

// Push stores req in the bucket for its priority.
func (q *PriorityQueue) Push(req *types.Request) {
	bucket, exists := q.buckets[req.Priority]
	if !exists {
		q.trackPriority(req.Priority)
	}
	q.buckets[req.Priority] = append(bucket, req)
	q.count++
}

// Pop removes and returns the most recently pushed request from the
// highest-priority bucket, or nil when the queue is empty. An empty queue
// is a normal idle condition, not an error.
func (q *PriorityQueue) Pop() *types.Request {
	if q.count == 0 {
		return nil
	}

	top := q.priorities[len(q.priorities)-1]
	bucket := q.buckets[top]
	req := bucket[len(bucket)-1]
	bucket = bucket[:len(bucket)-1]

	if len(bucket) == 0 {
		delete(q.buckets, top)
		q.priorities = q.priorities[:len(q.priorities)-1]
	} else {
		q.buckets[top] = bucket
	}
	q.count--
	return req
}

// Len returns the total number of pending requests.
func (q *PriorityQueue) Len() int { return q.count }

// Close flushes every bucket still holding requests to its spool file so a
// later Open restores the same logical contents and ordering. It returns
// the number of buckets that had residual content, for resume diagnostics.
func (q *PriorityQueue) Close() (int, error) {
	if q.spool == nil {
		return 0, nil
	}
	flushed := 0
	for _, priority := range q.priorities {
		bucket := q.buckets[priority]
		if len(bucket) == 0 {
			continue
		}
		if err := q.spool.persist(priority, bucket); err != nil {
			return flushed, fmt.Errorf("flush priority %d: %w", priority, err)
		}
		flushed++
	}
	return flushed, nil
}

func (q *PriorityQueue) trackPriority(priority int) {
	idx := sort.SearchInts(q.priorities, priority)
	if idx < len(q.priorities) && q.priorities[idx] == priority {
		return
	}
	q.priorities = append(q.priorities, 0)
	copy(q.priorities[idx+1:], q.priorities[idx:])
	q.priorities[idx] = priority
}
