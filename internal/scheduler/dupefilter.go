package scheduler

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"crawlkit/internal/fingerprint"
	"crawlkit/internal/stats"
	"crawlkit/pkg/types"
)

// SeenFilename is the dupe filter's persistence file inside a job directory.
const SeenFilename = "requests.seen"

// DupeFilter remembers request fingerprints for the lifetime of a crawl.
// Entries are never evicted. With a job directory configured, each new
// fingerprint is appended and flushed to requests.seen so a crash leaves a
// valid prefix and a later open resumes with full history.
type DupeFilter struct {
	mu sync.Mutex

	hasher fingerprint.Fingerprinter
	seen   map[fingerprint.Fingerprint]struct{}
	file   *os.File
	path   string

	logger *slog.Logger
	stats  *stats.Stats

	// debug logs every duplicate; otherwise only the first is logged,
	// followed by a one-time notice.
	debug       bool
	loggedFirst bool

	opened bool
}

// NewDupeFilter builds a filter. jobDir may be empty for a purely
// in-memory filter.
func NewDupeFilter(hasher fingerprint.Fingerprinter, jobDir string, debug bool, st *stats.Stats, logger *slog.Logger) *DupeFilter {
	if logger == nil {
		logger = slog.Default()
	}
	path := ""
	if jobDir != "" {
		path = filepath.Join(jobDir, SeenFilename)
	}
	return &DupeFilter{
		hasher: hasher,
		seen:   make(map[fingerprint.Fingerprint]struct{}),
		path:   path,
		logger: logger,
		stats:  st,
		debug:  debug,
	}
}

// Open loads prior history from the persistence file, if any, and opens it
// for appending. A missing or empty file is not an error. Opening an
// already-open filter is a no-op.
func (d *DupeFilter) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}
	if d.path == "" {
		d.opened = true
		return nil
	}

	file, err := os.OpenFile(d.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open dupefilter state %s: %w", d.path, err)
	}

	scanner := bufio.NewScanner(file)
	restored := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fp, ok := fingerprint.ParseHex(line)
		if !ok {
			// Torn trailing record from a crash mid-append; everything
			// before it is intact.
			d.logger.Warn("discarding malformed fingerprint record", "file", d.path)
			continue
		}
		d.seen[fp] = struct{}{}
		restored++
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return fmt.Errorf("read dupefilter state %s: %w", d.path, err)
	}

	d.file = file
	d.opened = true
	if restored > 0 {
		d.logger.Info("restored dupe filter state", "fingerprints", restored, "file", d.path)
	}
	return nil
}

// Seen reports whether req was processed before, recording it if not.
// Requests with DontFilter set are never recorded and never reported as
// duplicates.
func (d *DupeFilter) Seen(req *types.Request) bool {
	if req.DontFilter {
		return false
	}

	fp := d.hasher.Fingerprint(req)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return false
	}

	if _, dup := d.seen[fp]; dup {
		d.logDuplicate(req)
		if d.stats != nil {
			d.stats.FilteredDupe()
		}
		return true
	}

	d.seen[fp] = struct{}{}
	if d.file != nil {
		// One write per record keeps the on-disk prefix valid after a
		// crash; no buffering.
		if _, err := d.file.WriteString(fp.Hex() + "\n"); err != nil {
			d.logger.Error("persist fingerprint failed", "file", d.path, "error", err)
		}
	}
	return false
}

func (d *DupeFilter) logDuplicate(req *types.Request) {
	if d.debug {
		d.logger.Debug("filtered duplicate request", "request", req.String())
		return
	}
	if !d.loggedFirst {
		d.logger.Info("filtered duplicate request", "request", req.String())
		d.logger.Info("further duplicates will not be shown (enable dupe filter debug to see all)")
		d.loggedFirst = true
	}
}

// Close flushes and closes the persistence file. The reason is logged only.
func (d *DupeFilter) Close(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return errors.New("dupe filter not open")
	}
	d.opened = false

	d.logger.Debug("closing dupe filter", "reason", reason, "fingerprints", len(d.seen))
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	if err != nil {
		return fmt.Errorf("close dupefilter state: %w", err)
	}
	return nil
}
