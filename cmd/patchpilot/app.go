package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/martinemde/patchpilot/agentloop"
	"github.com/martinemde/patchpilot/config"
	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/index"
	"github.com/martinemde/patchpilot/jobs"
	"github.com/martinemde/patchpilot/logging"
	"github.com/martinemde/patchpilot/metrics"
	"github.com/martinemde/patchpilot/store"
	"github.com/martinemde/patchpilot/unifiedllm"
	"github.com/martinemde/patchpilot/verify"
)

// app holds the process-wide collaborators of one command invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	client    *unifiedllm.Client
	runner    *agentloop.Runner
	queue     *jobs.Queue
	structure *index.StructuralIndex
	terms     *index.TermCache
	server    *http.Server
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

// newApp wires the runner from cfg. files loads project files for
// background continuations.
func newApp(ctx context.Context, cfg *config.Config, stderr io.Writer, files agentloop.FileSource) (*app, error) {
	a := &app{cfg: cfg, logger: logging.New(stderr, cfg.LogLevel, cfg.LogNoColor)}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		a.server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server stopped", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st

	a.client = unifiedllm.NewClientFromEnv(
		unifiedllm.WithAdapterOptions(
			unifiedllm.WithMaxTokens(cfg.MaxOutputTokens),
			unifiedllm.WithTemperature(cfg.Temperature),
		),
		unifiedllm.WithMiddleware(m.Middleware()),
		unifiedllm.WithStreamMiddleware(m.StreamMiddleware()),
	)
	if !a.client.HasProvider(cfg.Provider) {
		a.close()
		return nil, fmt.Errorf("no API key found for provider %s", cfg.Provider)
	}
	invoker := unifiedllm.NewInvoker(a.client, unifiedllm.InvokerConfig{
		FirstByteTimeout: cfg.FirstByteTimeout,
		Health:           unifiedllm.NewStreamHealth(cfg.StreamFailureThreshold, cfg.StreamCooldown),
		Logger:           a.logger,
		OnFallback:       m.StreamFallback,
	})

	gate := verify.NewGate()
	gate.Policy = gate.Policy.With(policyOverrides(cfg.Verify.Policy))
	gate.Logger = a.logger
	gate.Metrics = m

	var estimator agentloop.Estimator = agentloop.CharEstimator{}
	if cfg.Tokenizer == "tiktoken" {
		est, err := agentloop.NewTiktokenEstimator("")
		if err != nil {
			a.close()
			return nil, err
		}
		estimator = est
	}

	if a.structure, err = index.NewStructuralIndex(64); err != nil {
		a.close()
		return nil, err
	}
	if a.terms, err = index.NewTermCache(4096); err != nil {
		a.close()
		return nil, err
	}

	// The queue hands continuations back to the runner it feeds.
	a.queue = jobs.NewQueue(func(ctx context.Context, job jobs.Job) error {
		return a.runner.HandleJob(ctx, job)
	},
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithDelay(cfg.Jobs.Delay, cfg.Jobs.RetryDelay),
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		jobs.WithLogger(a.logger))

	a.runner, err = agentloop.NewRunner(invoker, runnerConfig(cfg),
		agentloop.WithStore(st),
		agentloop.WithEnqueuer(a.queue),
		agentloop.WithIndex(a.structure, a.terms),
		agentloop.WithGate(gate),
		agentloop.WithEstimator(estimator),
		agentloop.WithLogger(a.logger),
		agentloop.WithMetrics(m),
		agentloop.WithFileSource(files))
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return store.OpenSQL(ctx, cfg.SQLitePath)
	case "file":
		return store.NewFileStore(afero.NewOsFs(), cfg.FileRoot), nil
	case "s3":
		return store.NewS3Store(ctx, cfg.S3)
	case "", "memory":
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func policyOverrides(in map[string]string) map[verify.Category]verify.Level {
	out := make(map[verify.Category]verify.Level, len(in))
	for category, level := range in {
		out[verify.Category(category)] = verify.Level(level)
	}
	return out
}

func runnerConfig(cfg *config.Config) agentloop.Config {
	rc := agentloop.DefaultConfig()
	rc.Provider = cfg.Provider
	rc.Models = map[agentloop.Tier]string{
		agentloop.TierFast:     cfg.Models.Fast,
		agentloop.TierStandard: cfg.Models.Standard,
		agentloop.TierDeep:     cfg.Models.Deep,
	}
	rc.Dispatch = dispatch.Config{
		Workers:         cfg.Dispatch.Workers,
		LookupSoftLimit: cfg.Dispatch.LookupSoftLimit,
		LookupHardLimit: cfg.Dispatch.LookupHardLimit,
		ExcerptAfter:    cfg.Dispatch.ExcerptAfter,
		SwitchAfter:     cfg.Dispatch.SwitchAfter,
		ExcerptLines:    cfg.Dispatch.ExcerptLines,
	}
	rc.Loop.Nudges = cfg.Loop.Nudges
	rc.Loop.EscalationDepth = cfg.Loop.EscalationDepth
	rc.Loop.MinimalIterations = cfg.Loop.MinimalIterations
	rc.Loop.HybridIterations = cfg.Loop.HybridIterations
	rc.Loop.MaximalIterations = cfg.Loop.MaximalIterations
	rc.Loop.StallIterations = cfg.Loop.StallIterations
	rc.Loop.NegligibleText = cfg.Loop.NegligibleText
	rc.Context.MessageBudget = cfg.Loop.MessageBudget
	rc.Context.TrimTrigger = cfg.Loop.TrimTrigger
	rc.Context.AnchorFraction = cfg.Loop.AnchorFraction
	rc.InlineEvery = cfg.Verify.InlineEvery
	rc.InlineMax = cfg.Verify.InlineMax
	rc.ExecutionBudget = cfg.ExecutionBudget
	rc.CheckpointReserve = cfg.CheckpointReserve
	rc.MaxResumes = cfg.MaxResumes
	return rc
}

// drain runs the continuation queue until every pending job finished or
// ctx is done.
func (a *app) drain(ctx context.Context) {
	if a.queue.Pending() == 0 {
		return
	}
	qctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.queue.Run(qctx); err != nil {
			a.logger.Error("continuation queue failed", "error", err)
		}
	}()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for a.queue.Pending() > 0 && qctx.Err() == nil {
		select {
		case <-ticker.C:
		case <-qctx.Done():
		}
	}
	cancel()
	<-done
}

func (a *app) close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.terms != nil {
		a.terms.Close()
	}
	if a.structure != nil {
		a.structure.Close()
	}
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn("close model client", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
}
