// Package crawler hosts the engine: the control loop that pulls requests
// from the scheduler, dispatches them through the downloader, and routes
// results back as retries, follow-up requests, or items.
package crawler

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"crawlkit/internal/config"
	"crawlkit/internal/downloader"
	"crawlkit/internal/fetcher"
	"crawlkit/internal/fingerprint"
	"crawlkit/internal/processor"
	robotsclient "crawlkit/internal/robots"
	"crawlkit/internal/scheduler"
	"crawlkit/internal/stats"
	"crawlkit/internal/storage"
	"crawlkit/pkg/types"
)

// DefaultHandler is the handler name used when a request does not name
// one.
const DefaultHandler = "page"

// NewEngine builds a crawl engine from configuration, wiring the
// transport, downloader, scheduler, admission filters, default HTML
// handler, and item pipeline.
func NewEngine(cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	transport, err := fetcher.New(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Downloader.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		ProxyURL:     cfg.Crawl.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("http transport: %w", err)
	}

	dlOpts := downloader.Options{
		MaxGlobal:      cfg.Downloader.MaxGlobal,
		MaxPerSlot:     cfg.Downloader.MaxPerDomain,
		Delay:          cfg.Downloader.Delay.Duration,
		RandomizeDelay: cfg.Downloader.RandomizeDelay,
		Logger:         logger,
	}
	if rl := cfg.Downloader.RateLimitPerDomain; rl.Enabled() {
		dlOpts.SlotRate = rl.Requests
		dlOpts.SlotRateWindow = rl.Window.Duration
	}
	dl := downloader.New(transport, dlOpts)

	st := stats.New()

	var admission []scheduler.AdmissionFilter
	if filter := newScopeFilter(cfg.Crawl); filter != nil {
		admission = append(admission, filter)
	}
	if cfg.Robots.Respect {
		agent := robotsclient.NewAgent(cfg.Robots, transport.Client())
		admission = append(admission, robotsclient.NewFilter(agent, cfg.Downloader.RequestTimeout.Duration))
	}

	sched := scheduler.New(scheduler.Options{
		JobDir:             cfg.Scheduler.JobDir,
		IgnoreCorruptState: cfg.Scheduler.IgnoreCorruptState,
		DebugDupes:         cfg.Scheduler.DebugDupes,
		Fingerprint: fingerprint.Options{
			KeepFragments: cfg.Scheduler.Fingerprint.KeepFragments,
			Headers:       cfg.Scheduler.Fingerprint.Headers,
		},
		Admission: admission,
		Stats:     st,
		Logger:    logger,
	})

	htmlProc, err := processor.New(cfg.Crawl.Discovery, cfg.Crawl.MaxDepth)
	if err != nil {
		return nil, err
	}

	var sinks []storage.Sink
	var closers []func() error
	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sqlSink, err := storage.NewSQLSink(cfg.DB)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sqlSink)
		closers = append(closers, sqlSink.Close)
	}
	pipeline := storage.NewPipeline(logger, sinks...)

	retry := downloader.NewRetryPolicy(
		cfg.Retry.MaxRetries,
		cfg.Retry.PriorityBoost,
		cfg.Retry.Backoff.Duration,
		cfg.Retry.Statuses,
	)

	engine := New(Options{
		Scheduler:   sched,
		Downloader:  dl,
		Retry:       retry,
		Pipeline:    pipeline,
		Stats:       st,
		Logger:      logger,
		MaxInFlight: cfg.Downloader.MaxGlobal,
		GracePeriod: cfg.Downloader.GracePeriod.Duration,
	})
	engine.closers = closers
	engine.RegisterHandler(DefaultHandler, func(resp *types.Response) (types.ParseResult, error) {
		return htmlProc.Parse(resp)
	})

	seeds, err := buildSeedRequests(cfg.Crawl.Seeds)
	if err != nil {
		return nil, err
	}
	engine.seeds = seeds

	return engine, nil
}

func buildSeedRequests(seeds []config.SeedConfig) ([]*types.Request, error) {
	reqs := make([]*types.Request, 0, len(seeds))
	for _, seed := range seeds {
		raw := seed.URL
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}
		req, err := types.NewRequest(raw)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed.URL, err)
		}
		req.Priority = seed.Priority
		req.Handler = seed.Handler
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
