// Command webweaver runs the deep-research pipeline end to end: given
// a query, it plans, searches, drafts, and writes a cited Markdown
// report to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/webweaver-dev/webweaver/common/id"
	"github.com/webweaver-dev/webweaver/common/llm"
	"github.com/webweaver-dev/webweaver/common/logger"
	"github.com/webweaver-dev/webweaver/common/otel"
	"github.com/webweaver-dev/webweaver/core/config"
	"github.com/webweaver-dev/webweaver/internal/breaker"
	"github.com/webweaver-dev/webweaver/internal/ledger"
	"github.com/webweaver-dev/webweaver/internal/orchestrator"
	"github.com/webweaver-dev/webweaver/internal/page"
	"github.com/webweaver-dev/webweaver/internal/ratelimit"
	"github.com/webweaver-dev/webweaver/internal/search"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprintln(os.Stderr, "usage: webweaver run <query> [--output file] [--artifacts-dir dir] [--query-file f]")
		return 2
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	queryFile := fs.String("query-file", "", "read the research query from this file instead of the command line")
	output := fs.String("output", "", "write the finished report to this path in addition to the run's artifacts directory")
	artifactsDir := fs.String("artifacts-dir", "", "override WEBWEAVER_ARTIFACTS_DIR for this run")

	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	query, err := resolveQuery(fs.Args(), *queryFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg := config.Load()
	if *artifactsDir != "" {
		cfg.ArtifactsRoot = *artifactsDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger.Setup(cfg)
	if err := id.Init(1); err != nil {
		slog.Error("failed to initialize id generator", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	telemetry, err := otel.Setup(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		return 1
	}
	if telemetry != nil {
		defer func() {
			if err := telemetry.Shutdown(context.Background()); err != nil {
				slog.Error("tracer shutdown failed", "error", err)
			}
		}()
	}

	o, cleanup, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		slog.Error("failed to build orchestrator", "error", err)
		return 1
	}
	defer cleanup()

	result, err := o.Run(ctx, query)
	if err != nil {
		slog.Error("run failed", "error", err)
		return 1
	}

	slog.Info("run complete", "run_id", result.RunID, "artifacts_dir", result.ArtifactDir)

	if *output != "" {
		if err := os.WriteFile(*output, []byte(result.Report), 0o644); err != nil {
			slog.Error("failed to write output file", "path", *output, "error", err)
			return 1
		}
	}

	fmt.Println(filepath.Join(result.ArtifactDir, "report.md"))
	return 0
}

func resolveQuery(positional []string, queryFile string) (string, error) {
	if queryFile != "" {
		data, err := os.ReadFile(queryFile)
		if err != nil {
			return "", fmt.Errorf("reading query file: %w", err)
		}
		return string(data), nil
	}
	if len(positional) == 0 {
		return "", fmt.Errorf("usage: webweaver run <query> [--output file] [--artifacts-dir dir] [--query-file f]")
	}
	query := positional[0]
	for _, extra := range positional[1:] {
		query += " " + extra
	}
	return query, nil
}

// guardedClient wraps an llm.Client with a circuit breaker and a
// token-bucket rate limiter, so every agent in the pipeline shares the
// same fault-tolerance and throughput ceiling without knowing about
// either.
type guardedClient struct {
	inner   llm.Client
	limiter *ratelimit.Limiter
	cb      *breaker.Breaker
}

func (g *guardedClient) Model() string { return g.inner.Model() }

func (g *guardedClient) Complete(ctx context.Context, messages []llm.Message, opts llm.CompletionOptions) (string, error) {
	if err := g.limiter.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("llm: rate limit wait: %w", err)
	}

	var out string
	err := g.cb.Call(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = g.inner.Complete(ctx, messages, opts)
		return callErr
	})
	return out, err
}

// buildOrchestrator wires the real LLM/search/fetch clients plus the
// two optional auxiliary sinks (Postgres run ledger, Redis event
// mirror) behind whatever config is present — either is silently
// skipped when unconfigured. The returned cleanup func closes whatever
// auxiliary connections were opened; callers must defer it.
func buildOrchestrator(ctx context.Context, cfg config.Settings) (*orchestrator.Orchestrator, func(), error) {
	rawClient, err := llm.New(llm.Config{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMBaseURL, Model: cfg.LLMModel})
	if err != nil {
		return nil, nil, fmt.Errorf("building llm client: %w", err)
	}

	client := &guardedClient{
		inner:   rawClient,
		limiter: ratelimit.New(float64(cfg.LLMRateLimitRPS), float64(cfg.LLMRateLimitRPS)),
		cb:      breaker.New(breaker.Config{FailureThreshold: 5}),
	}

	provider := search.New(search.Config{
		APIKey:     cfg.SearchAPIKey,
		BaseURL:    cfg.SearchBaseURL,
		MaxRetries: cfg.SearchMaxRetries,
		RetryBase:  cfg.SearchRetryBase,
		RetryCap:   cfg.SearchRetryCap,
	})

	fetcher := page.NewFetcher(cfg.HTTPTimeout, cfg.HTTPUA)

	deps := orchestrator.Dependencies{
		LLM:     client,
		Search:  provider,
		Fetcher: fetcher,
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RunLedger != "" {
		l, err := ledger.Open(ctx, cfg.RunLedger)
		if err != nil {
			slog.Warn("run ledger unavailable, continuing without it", "error", err)
		} else if err := l.Migrate(ctx); err != nil {
			slog.Warn("run ledger migration failed, continuing without it", "error", err)
			l.Close()
		} else {
			deps.Ledger = l
			closers = append(closers, l.Close)
		}
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Warn("event mirror disabled: invalid redis url", "error", err)
		} else {
			rdb := redis.NewClient(opts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				slog.Warn("event mirror disabled: redis unreachable", "error", err)
				_ = rdb.Close()
			} else {
				deps.EventMirror = rdb
				deps.MirrorKeyPrefix = "webweaver"
				closers = append(closers, func() { _ = rdb.Close() })
			}
		}
	}

	return orchestrator.New(cfg, deps), cleanup, nil
}
