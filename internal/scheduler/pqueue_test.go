package scheduler

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"crawlkit/pkg/types"
)

func prioritisedRequest(t *testing.T, rawURL string, priority int) *types.Request {
	t.Helper()
	req := mustRequest(t, rawURL)
	req.Priority = priority
	return req
}

func TestPriorityQueueOrdering(t *testing.T) {
	q := NewPriorityQueue("", false, testLogger())

	// Pushed across interleaved priorities; expected out strictly by
	// priority descending, LIFO within each priority band.
	pushes := []struct {
		url      string
		priority int
	}{
		{"http://x/a", 0},
		{"http://x/b", 5},
		{"http://x/c", 0},
		{"http://x/d", -3},
		{"http://x/e", 5},
		{"http://x/f", 0},
	}
	for _, p := range pushes {
		q.Push(prioritisedRequest(t, p.url, p.priority))
	}
	if q.Len() != len(pushes) {
		t.Fatalf("Len = %d, want %d", q.Len(), len(pushes))
	}

	want := []string{"http://x/e", "http://x/b", "http://x/f", "http://x/c", "http://x/a", "http://x/d"}
	for i, expected := range want {
		req := q.Pop()
		if req == nil {
			t.Fatalf("Pop %d returned nil", i)
		}
		if req.URL.String() != expected {
			t.Fatalf("Pop %d = %s, want %s", i, req.URL, expected)
		}
	}
	if q.Pop() != nil {
		t.Fatal("Pop on empty queue must return nil")
	}
	if q.Len() != 0 {
		t.Fatalf("Len after draining = %d", q.Len())
	}
}

func TestPriorityQueueEmptyPopIsNormal(t *testing.T) {
	q := NewPriorityQueue("", false, testLogger())
	for i := 0; i < 3; i++ {
		if q.Pop() != nil {
			t.Fatal("empty queue returned a request")
		}
	}
	q.Push(mustRequest(t, "http://x/a"))
	if q.Pop() == nil {
		t.Fatal("push after empty pops was lost")
	}
}

func TestPriorityQueuePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	q := NewPriorityQueue(dir, false, testLogger())
	if err := q.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Push(prioritisedRequest(t, "http://x/a", 0))
	q.Push(prioritisedRequest(t, "http://x/b", 5))
	q.Push(prioritisedRequest(t, "http://x/c", 0))

	flushed, err := q.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if flushed != 2 {
		t.Fatalf("expected 2 buckets with residue, got %d", flushed)
	}

	resumed := NewPriorityQueue(dir, false, testLogger())
	if err := resumed.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if resumed.Len() != 3 {
		t.Fatalf("resumed Len = %d, want 3", resumed.Len())
	}

	want := []string{"http://x/b", "http://x/c", "http://x/a"}
	for i, expected := range want {
		req := resumed.Pop()
		if req == nil || req.URL.String() != expected {
			t.Fatalf("resumed Pop %d = %v, want %s", i, req, expected)
		}
	}

	// Spool files are consumed on open; a second close with an empty
	// queue flushes nothing.
	flushed, err = resumed.Close()
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if flushed != 0 {
		t.Fatalf("empty queue flushed %d buckets", flushed)
	}
}

func TestPriorityQueueRecordRoundTrip(t *testing.T) {
	req := mustRequest(t, "http://example.com/form?b=2&a=1")
	req.Method = http.MethodPost
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = []byte("a=1&b=2")
	req.Priority = 7
	req.DontFilter = true
	req.Handler = "listing"
	req.Retries = 1
	req.Depth = 4
	req.SetMeta("cookie_jar", "jar-9")

	line, err := encodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeRequest(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Method != req.Method || got.URL.String() != req.URL.String() {
		t.Fatalf("method/url mismatch: %s %s", got.Method, got.URL)
	}
	if got.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		t.Fatal("header lost in round trip")
	}
	if string(got.Body) != string(req.Body) {
		t.Fatal("body lost in round trip")
	}
	if got.Priority != 7 || !got.DontFilter || got.Handler != "listing" || got.Retries != 1 || got.Depth != 4 {
		t.Fatalf("scalar fields lost: %+v", got)
	}
	if got.MetaValue("cookie_jar") != "jar-9" {
		t.Fatal("meta lost in round trip")
	}
}

func TestPriorityQueueCorruptSpoolFailsFast(t *testing.T) {
	dir := t.TempDir()
	queueDir := filepath.Join(dir, queueDirName)
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(queueDir, "p0.jsonl"), []byte("{not json\n"), 0o644); err != nil {
		t.Fatalf("write corrupt spool: %v", err)
	}

	strict := NewPriorityQueue(dir, false, testLogger())
	if err := strict.Open(); err == nil {
		t.Fatal("corrupt spool state must fail open by default")
	}
}

func TestPriorityQueueCorruptSpoolIgnored(t *testing.T) {
	dir := t.TempDir()

	q := NewPriorityQueue(dir, false, testLogger())
	if err := q.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Push(prioritisedRequest(t, "http://x/keep", 0))
	if _, err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt the tail; the valid prefix should survive in lenient mode.
	path := filepath.Join(dir, queueDirName, "p0.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	f.WriteString("{torn")
	f.Close()

	lenient := NewPriorityQueue(dir, true, testLogger())
	if err := lenient.Open(); err != nil {
		t.Fatalf("lenient Open: %v", err)
	}
	if lenient.Len() != 1 {
		t.Fatalf("lenient Len = %d, want 1 (valid prefix)", lenient.Len())
	}
	req := lenient.Pop()
	if req == nil || req.URL.String() != "http://x/keep" {
		t.Fatalf("unexpected resumed request: %v", req)
	}
}
