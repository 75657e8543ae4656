package scheduler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"crawlkit/pkg/types"
)

// queueDirName holds the per-priority spool files inside a job directory.
const queueDirName = "queue"

// requestRecord is the stable on-disk form of a request: one JSON object
// per line, append-only within a run. Everything needed to round-trip a
// request survives: method, URL, headers, body, meta, priority, and the
// handler reference.
type requestRecord struct {
	Method          string              `json:"method"`
	URL             string              `json:"url"`
	Header          map[string][]string `json:"header,omitempty"`
	Body            []byte              `json:"body,omitempty"`
	Priority        int                 `json:"priority"`
	DontFilter      bool                `json:"dont_filter,omitempty"`
	Handler         string              `json:"handler,omitempty"`
	Retries         int                 `json:"retries,omitempty"`
	Depth           int                 `json:"depth,omitempty"`
	FingerprintSeed string              `json:"fingerprint_seed,omitempty"`
	Meta            map[string]string   `json:"meta,omitempty"`
}

func encodeRequest(req *types.Request) ([]byte, error) {
	rec := requestRecord{
		Method:          req.Method,
		URL:             req.URL.String(),
		Header:          req.Header,
		Body:            req.Body,
		Priority:        req.Priority,
		DontFilter:      req.DontFilter,
		Handler:         req.Handler,
		Retries:         req.Retries,
		Depth:           req.Depth,
		FingerprintSeed: req.FingerprintSeed,
		Meta:            req.Meta,
	}
	return json.Marshal(rec)
}

func decodeRequest(line []byte) (*types.Request, error) {
	var rec requestRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	u, err := url.Parse(rec.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rec.URL, err)
	}
	header := http.Header(rec.Header)
	if header == nil {
		header = make(http.Header)
	}
	return &types.Request{
		Method:          rec.Method,
		URL:             u,
		Header:          header,
		Body:            rec.Body,
		Priority:        rec.Priority,
		DontFilter:      rec.DontFilter,
		Handler:         rec.Handler,
		Retries:         rec.Retries,
		Depth:           rec.Depth,
		FingerprintSeed: rec.FingerprintSeed,
		Meta:            rec.Meta,
	}, nil
}

// spool manages the per-priority queue files of one job directory. A file
// is read fully (and deleted) on restore; pending requests are written
// back when the queue closes.
type spool struct {
	dir           string
	ignoreCorrupt bool
	logger        *slog.Logger
}

func newSpool(jobDir string, ignoreCorrupt bool, logger *slog.Logger) *spool {
	return &spool{
		dir:           filepath.Join(jobDir, queueDirName),
		ignoreCorrupt: ignoreCorrupt,
		logger:        logger,
	}
}

func spoolFilename(priority int) string {
	return "p" + strconv.Itoa(priority) + ".jsonl"
}

func parseSpoolFilename(name string) (int, bool) {
	if !strings.HasPrefix(name, "p") || !strings.HasSuffix(name, ".jsonl") {
		return 0, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "p"), ".jsonl")
	priority, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return priority, true
}

// restore loads every spool file into memory, keyed by priority, removing
// each file once its contents are owned in memory. Records appear in push
// order, so the caller can pop from the tail to preserve LIFO.
func (s *spool) restore() (map[int][]*types.Request, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue directory %s: %w", s.dir, err)
	}

	restored := make(map[int][]*types.Request)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		priority, ok := parseSpoolFilename(entry.Name())
		if !ok {
			s.logger.Warn("ignoring unrecognised file in queue directory", "file", entry.Name())
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		reqs, err := s.readFile(path)
		if err != nil {
			if !s.ignoreCorrupt {
				return nil, fmt.Errorf("corrupt queue state in %s: %w", path, err)
			}
			s.logger.Warn("skipping corrupt remainder of spool file", "file", path, "error", err, "restored", len(reqs))
		}
		if len(reqs) > 0 {
			restored[priority] = append(restored[priority], reqs...)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove consumed spool file %s: %w", path, err)
		}
	}
	return restored, nil
}

// readFile decodes a spool file, returning the valid prefix alongside any
// decode error.
func (s *spool) readFile(path string) ([]*types.Request, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	defer file.Close()

	var reqs []*types.Request
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := decodeRequest(line)
		if err != nil {
			return reqs, fmt.Errorf("decode request record: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return reqs, fmt.Errorf("scan spool file: %w", err)
	}
	return reqs, nil
}

// persist appends the bucket's requests, oldest first, to the priority's
// spool file.
func (s *spool) persist(priority int, reqs []*types.Request) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create queue directory %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, spoolFilename(priority))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open spool file %s: %w", path, err)
	}

	w := bufio.NewWriter(file)
	for _, req := range reqs {
		line, err := encodeRequest(req)
		if err != nil {
			file.Close()
			return fmt.Errorf("encode request %s: %w", req, err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush spool file %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close spool file %s: %w", path, err)
	}
	return nil
}
