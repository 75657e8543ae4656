package crawler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"crawlkit/internal/downloader"
	"crawlkit/internal/scheduler"
	"crawlkit/internal/stats"
	"crawlkit/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", rawURL, err)
	}
	return req
}

// scriptedTransport answers each fetch from a script keyed by URL and
// per-URL attempt number.
type scriptedTransport struct {
	mu       sync.Mutex
	attempts map[string]int
	script   func(req *types.Request, attempt int) (*types.Response, error)
}

func newScriptedTransport(script func(req *types.Request, attempt int) (*types.Response, error)) *scriptedTransport {
	return &scriptedTransport{
		attempts: make(map[string]int),
		script:   script,
	}
}

func (s *scriptedTransport) Send(_ context.Context, req *types.Request) (*types.Response, error) {
	s.mu.Lock()
	s.attempts[req.URL.String()]++
	attempt := s.attempts[req.URL.String()]
	s.mu.Unlock()
	return s.script(req, attempt)
}

func (s *scriptedTransport) attemptCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[url]
}

func okResponse(req *types.Request) *types.Response {
	return &types.Response{
		Request:    req,
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte("<html><body>ok</body></html>"),
		FetchedAt:  time.Now(),
	}
}

func statusResponse(req *types.Request, code int) *types.Response {
	resp := okResponse(req)
	resp.StatusCode = code
	return resp
}

func newTestEngine(t *testing.T, tr downloader.Transport, retry downloader.RetryPolicy, seeds ...*types.Request) *Engine {
	t.Helper()
	logger := testLogger()
	st := stats.New()
	sched := scheduler.New(scheduler.Options{Stats: st, Logger: logger})
	dl := downloader.New(tr, downloader.Options{MaxGlobal: 4, MaxPerSlot: 4, Logger: logger})
	eng := New(Options{
		Scheduler:   sched,
		Downloader:  dl,
		Retry:       retry,
		Stats:       st,
		Logger:      logger,
		MaxInFlight: 4,
		GracePeriod: 2 * time.Second,
	})
	eng.RegisterHandler(DefaultHandler, func(resp *types.Response) (types.ParseResult, error) {
		return types.ParseResult{}, nil
	})
	eng.seeds = seeds
	return eng
}

func runEngine(t *testing.T, eng *Engine, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not finish")
		return nil
	}
}

func TestTransientFailuresRetriedWithinBudget(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		if attempt <= 2 {
			return nil, syscall.ECONNRESET
		}
		return okResponse(req), nil
	})
	seed := mustRequest(t, "https://example.com/a")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(2, 10, 0, nil), seed)

	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tr.attemptCount("https://example.com/a"); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	snap := eng.Stats().Snapshot()
	if snap.Retried != 2 {
		t.Errorf("retried = %d, want 2", snap.Retried)
	}
	if snap.PermanentFailed != 0 {
		t.Errorf("failed = %d, want 0", snap.PermanentFailed)
	}
	if snap.Responses != 1 {
		t.Errorf("responses = %d, want 1", snap.Responses)
	}
}

func TestRetryBudgetExhaustedFailsPermanently(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		return nil, syscall.ECONNREFUSED
	})
	seed := mustRequest(t, "https://example.com/down")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(1, 10, 0, nil), seed)

	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tr.attemptCount("https://example.com/down"); got != 2 {
		t.Fatalf("attempts = %d, want 2 (initial plus one retry)", got)
	}
	snap := eng.Stats().Snapshot()
	if snap.Retried != 1 {
		t.Errorf("retried = %d, want 1", snap.Retried)
	}
	if snap.PermanentFailed != 1 {
		t.Errorf("failed = %d, want 1", snap.PermanentFailed)
	}
}

func TestRetriableStatusRetried(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		if attempt == 1 {
			return statusResponse(req, http.StatusServiceUnavailable), nil
		}
		return okResponse(req), nil
	})
	seed := mustRequest(t, "https://example.com/busy")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(2, 10, 0, nil), seed)

	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tr.attemptCount("https://example.com/busy"); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if snap := eng.Stats().Snapshot(); snap.Retried != 1 || snap.PermanentFailed != 0 {
		t.Errorf("retried = %d failed = %d, want 1 and 0", snap.Retried, snap.PermanentFailed)
	}
}

func TestClientErrorStatusFailsWithoutRetry(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		return statusResponse(req, http.StatusNotFound), nil
	})
	seed := mustRequest(t, "https://example.com/missing")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(3, 10, 0, nil), seed)

	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tr.attemptCount("https://example.com/missing"); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	snap := eng.Stats().Snapshot()
	if snap.Retried != 0 {
		t.Errorf("retried = %d, want 0", snap.Retried)
	}
	if snap.PermanentFailed != 1 {
		t.Errorf("failed = %d, want 1", snap.PermanentFailed)
	}
}

func TestRetryWithBackoffStillCompletes(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		if attempt == 1 {
			return nil, syscall.ECONNRESET
		}
		return okResponse(req), nil
	})
	seed := mustRequest(t, "https://example.com/later")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(2, 10, 20*time.Millisecond, nil), seed)

	start := time.Now()
	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("finished in %v, backoff not applied", elapsed)
	}
	if got := tr.attemptCount("https://example.com/later"); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestCrawlCompletesAfterFollowups(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		return okResponse(req), nil
	})
	seed := mustRequest(t, "https://example.com/")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(1, 10, 0, nil), seed)

	children := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}
	eng.RegisterHandler(DefaultHandler, func(resp *types.Response) (types.ParseResult, error) {
		var result types.ParseResult
		if resp.Request.URL.Path == "/" {
			for _, raw := range children {
				child := mustRequest(t, raw)
				result.Requests = append(result.Requests, child)
			}
			result.Items = append(result.Items, types.Item{"url": resp.URL.String()})
		}
		return result, nil
	})

	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := eng.Stats().Snapshot()
	if snap.Responses != 4 {
		t.Errorf("responses = %d, want 4 (seed plus three children)", snap.Responses)
	}
	if snap.Items != 1 {
		t.Errorf("items = %d, want 1", snap.Items)
	}
	for _, raw := range children {
		if got := tr.attemptCount(raw); got != 1 {
			t.Errorf("attempts for %s = %d, want 1", raw, got)
		}
	}
}

func TestDuplicateFollowupsFetchedOnce(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		return okResponse(req), nil
	})
	seed := mustRequest(t, "https://example.com/")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(1, 10, 0, nil), seed)

	eng.RegisterHandler(DefaultHandler, func(resp *types.Response) (types.ParseResult, error) {
		var result types.ParseResult
		if resp.Request.URL.Path == "/" {
			result.Requests = append(result.Requests,
				mustRequest(t, "https://example.com/dup"),
				mustRequest(t, "https://example.com/dup"),
			)
		}
		return result, nil
	})

	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tr.attemptCount("https://example.com/dup"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if snap := eng.Stats().Snapshot(); snap.FilteredDupes != 1 {
		t.Errorf("filtered dupes = %d, want 1", snap.FilteredDupes)
	}
}

func TestHandlerPanicFailsRequestNotCrawl(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		return okResponse(req), nil
	})
	seedBad := mustRequest(t, "https://example.com/bad")
	seedBad.Handler = "explode"
	seedGood := mustRequest(t, "https://example.com/good")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(1, 10, 0, nil), seedBad, seedGood)
	eng.RegisterHandler("explode", func(resp *types.Response) (types.ParseResult, error) {
		panic("parser bug")
	})

	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := eng.Stats().Snapshot()
	if snap.PermanentFailed != 1 {
		t.Errorf("failed = %d, want 1", snap.PermanentFailed)
	}
	if got := tr.attemptCount("https://example.com/good"); got != 1 {
		t.Errorf("good request attempts = %d, want 1", got)
	}
}

func TestUnknownHandlerFailsPermanently(t *testing.T) {
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		return okResponse(req), nil
	})
	seed := mustRequest(t, "https://example.com/orphan")
	seed.Handler = "nope"
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(1, 10, 0, nil), seed)

	if err := runEngine(t, eng, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if snap := eng.Stats().Snapshot(); snap.PermanentFailed != 1 {
		t.Errorf("failed = %d, want 1", snap.PermanentFailed)
	}
}

func TestCancellationStopsCrawl(t *testing.T) {
	release := make(chan struct{})
	tr := newScriptedTransport(func(req *types.Request, attempt int) (*types.Response, error) {
		<-release
		return okResponse(req), nil
	})
	seed := mustRequest(t, "https://example.com/slow")
	eng := newTestEngine(t, tr, downloader.NewRetryPolicy(1, 10, 0, nil), seed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down after cancellation")
	}
}

func TestScopeFilterDomainMatching(t *testing.T) {
	cases := []struct {
		name     string
		allowed  []string
		excluded []string
		url      string
		want     bool
	}{
		{"allowed exact", []string{"example.com"}, nil, "https://example.com/x", true},
		{"allowed subdomain", []string{"example.com"}, nil, "https://blog.example.com/x", true},
		{"offsite", []string{"example.com"}, nil, "https://other.com/x", false},
		{"suffix not subdomain", []string{"example.com"}, nil, "https://notexample.com/x", false},
		{"excluded wins", []string{"example.com"}, []string{"ads.example.com"}, "https://ads.example.com/x", false},
		{"excluded only", nil, []string{"tracker.io"}, "https://example.com/x", true},
		{"excluded only blocks", nil, []string{"tracker.io"}, "https://tracker.io/x", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filter := &scopeFilter{allowed: tc.allowed, excluded: tc.excluded}
			req := mustRequest(t, tc.url)
			if got := filter.Accept(req); got != tc.want {
				t.Errorf("Accept(%s) = %v, want %v", tc.url, got, tc.want)
			}
		})
	}
}
