package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	redis "github.com/redis/go-redis/v9"

	"github.com/rendis/callflow/internal/capability"
	"github.com/rendis/callflow/internal/config"
	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/metrics"
	"github.com/rendis/callflow/internal/normalize"
	"github.com/rendis/callflow/internal/prompts"
	"github.com/rendis/callflow/internal/queue"
	"github.com/rendis/callflow/internal/reasoning"
	"github.com/rendis/callflow/internal/steps"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/internal/streaming"
)

// app is the wired process: one executor plus the collaborators around it.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *capability.Registry
	executor *engine.Executor
	graph    *engine.Graph
	hub      *streaming.MemoryHub
	metrics  *metrics.Collector
	store    store.Store // nil when persistence is disabled
	redis    *redis.Client

	closers []func() error
}

type appOptions struct {
	// publish sends final states to the outbound stream when the queue is enabled.
	publish bool
}

// newApp wires every dependency explicitly. Callers must Close the app.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: metrics.New(), hub: streaming.NewMemoryHub(256)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry = capability.NewRegistry(
		capability.WithNormalizer(normalize.New(normalize.WithSentinel(cfg.Capabilities.AuthSentinel))),
		capability.WithBreakers(cfg.BreakerConfig()),
		capability.WithCredentialArg(cfg.Capabilities.CredentialArg),
		capability.WithTimeout(cfg.Capabilities.Timeout),
		capability.WithObserver(a.metrics.ObserveCapability),
		capability.WithLogger(logger),
	)
	if err := a.registerProviders(ctx); err != nil {
		return a, err
	}

	graph, err := buildWorkflow(cfg, logger)
	if err != nil {
		return a, err
	}
	a.graph = graph

	var sinks []engine.Sink
	if cfg.Store.Path != "" {
		s, err := store.NewLibSQLStore(cfg.Store.Path)
		if err != nil {
			return a, fmt.Errorf("open store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return a, fmt.Errorf("migrate store: %w", err)
		}
		a.store = s
		sinks = append(sinks, store.NewSink(s))
	}
	if cfg.Queue.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Addr,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
		if opts.publish && cfg.Queue.OutStream != "" {
			sinks = append(sinks, queue.NewPublisher(a.redis, cfg.Queue.OutStream, cfg.Queue.OutMaxLen))
		}
	}

	hooks := engine.NewHooks()
	a.metrics.Attach(hooks)

	execOpts := []engine.ExecutorOption{
		engine.WithHub(a.hub),
		engine.WithSinks(sinks...),
		engine.WithHooks(hooks),
		engine.WithMaxHops(cfg.Workflow.MaxHops),
		engine.WithLogger(logger),
	}
	if cfg.Capabilities.Credential != "" {
		execOpts = append(execOpts, engine.WithCredentials(capability.StaticCredential(cfg.Capabilities.Credential)))
	}
	a.executor, err = engine.NewExecutor(graph, a.registry, execOpts...)
	if err != nil {
		return a, err
	}
	return a, nil
}

func (a *app) registerProviders(ctx context.Context) error {
	for _, pc := range a.cfg.Capabilities.Providers {
		var (
			p   capability.Provider
			err error
		)
		switch pc.Type {
		case config.ProviderTypeMCP:
			var mp *capability.MCPProvider
			mp, err = capability.DialMCP(ctx, pc.Namespace, pc.Transport, pc.URL, pc.Headers)
			if err == nil {
				a.closers = append(a.closers, mp.Close)
				p = mp
			}
		case config.ProviderTypeSQL:
			p, err = a.openSQLProvider(pc)
		default:
			err = fmt.Errorf("unknown provider type %q", pc.Type)
		}
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.Namespace, err)
		}
		n, err := a.registry.RegisterProvider(p)
		if err != nil {
			return fmt.Errorf("register provider %s: %w", pc.Namespace, err)
		}
		a.logger.Info("capabilities registered",
			slog.String("namespace", pc.Namespace),
			slog.String("type", pc.Type),
			slog.Int("count", n))
	}
	for name, sel := range a.cfg.Capabilities.Select {
		if err := a.registry.Bind(name, capability.Binding{Select: sel}); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func (a *app) openSQLProvider(pc config.ProviderConfig) (capability.Provider, error) {
	driver, dialect := "postgres", capability.DialectPostgres
	if pc.Driver == config.DriverLibSQL {
		driver, dialect = "libsql", capability.DialectSQLite
	}
	db, err := sql.Open(driver, pc.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	a.closers = append(a.closers, db.Close)
	return capability.NewSQLProvider(db, pc.Namespace, dialect)
}

func newReasoner(rc config.ReasoningConfig) (reasoning.Reasoner, error) {
	switch rc.Provider {
	case config.ProviderGemini:
		var opts []reasoning.GeminiOption
		if rc.BaseURL != "" {
			opts = append(opts, reasoning.WithGeminiBaseURL(rc.BaseURL))
		}
		return reasoning.NewGeminiBackend(rc.APIKey, rc.Model, opts...), nil
	case config.ProviderOpenAI:
		opts := []reasoning.OpenAIOption{reasoning.WithOpenAITemperature(rc.Temperature)}
		if rc.BaseURL != "" {
			opts = append(opts, reasoning.WithOpenAIBaseURL(rc.BaseURL))
		}
		return reasoning.NewOpenAIBackend(rc.APIKey, rc.Model, opts...), nil
	}
	return nil, fmt.Errorf("unknown reasoning provider %q", rc.Provider)
}

// buildWorkflow assembles the step graph. Reasoning backends connect on first
// use, so this never dials out.
func buildWorkflow(cfg *config.Config, logger *slog.Logger) (*engine.Graph, error) {
	reasoner, err := newReasoner(cfg.Reasoning)
	if err != nil {
		return nil, err
	}
	schemas, err := reasoning.NewSchemas()
	if err != nil {
		return nil, err
	}
	promptSet, err := prompts.New()
	if err != nil {
		return nil, err
	}
	graph, err := steps.NewWorkflow(steps.Deps{
		Reasoner: reasoning.NewClient(reasoner, schemas, logger),
		Prompts:  promptSet,
		Config:   cfg.StepsConfig(),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build workflow: %w", err)
	}
	return graph, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
