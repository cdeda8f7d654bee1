package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rentguntur/project-school/internal/agent"
	"github.com/rentguntur/project-school/internal/catalog"
	"github.com/rentguntur/project-school/internal/chat"
	"github.com/rentguntur/project-school/internal/config"
	"github.com/rentguntur/project-school/internal/history"
	"github.com/rentguntur/project-school/internal/llm"
	"github.com/rentguntur/project-school/internal/logger"
	"github.com/rentguntur/project-school/internal/metrics"
	"github.com/rentguntur/project-school/internal/registry"
	"github.com/rentguntur/project-school/internal/server"
	"github.com/rentguntur/project-school/internal/sqldb"
	"github.com/rentguntur/project-school/internal/tracing"
	"github.com/rentguntur/project-school/internal/window"
	"github.com/rentguntur/project-school/pkg/tools"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("chatd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnvFiles(); err != nil {
		logger.L.Warn("failed to load .env", "error", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Configure(os.Stdout, cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.Tracing, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.L.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := sqldb.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := history.NewSQLStore(ctx, db)
	if err != nil {
		return err
	}

	agents, err := registry.NewSQLRegistry(ctx, db)
	if err != nil {
		return err
	}
	if _, err := agents.Seed(ctx, cfg.Agents); err != nil {
		return fmt.Errorf("failed to seed agents: %w", err)
	}
	resolver := registry.NewResolver(agents, cfg.Execution.DefaultMaxSteps)
	invalidations := make(chan string, 16)
	go resolver.Watch(ctx, invalidations)

	if err := config.Watch(func(next *config.Config) {
		logger.SetLevel(next.Log.Level)
		ids, err := agents.Seed(ctx, next.Agents)
		if err != nil {
			logger.L.Error("failed to re-seed agents", "error", err)
		}
		for _, id := range ids {
			select {
			case invalidations <- id:
			case <-ctx.Done():
				return
			}
		}
	}); err != nil {
		logger.L.Info("config watch disabled", "reason", err)
	}

	cat, err := catalog.NewSQLCatalog(ctx, db)
	if err != nil {
		return err
	}
	tm := tools.NewToolManager()
	tools.RegisterCatalogTools(tm, cat)
	mcpServers := tools.ConnectMCP(ctx, tm, cfg.MCPServers)
	defer mcpServers.Close()

	var sizer window.Sizer = window.LengthSizer{}
	if cfg.Execution.Sizer == "tokens" {
		ts, err := window.NewTokenSizer(cfg.LLM.Model)
		if err != nil {
			return err
		}
		sizer = ts
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	invoker := llm.NewInvoker(llm.NewClient(cfg.LLM), cfg.LLM, tm, mcpServers.Prompts()...)
	executor := agent.New(store, invoker,
		agent.WithSizer(sizer),
		agent.WithMetrics(m),
		agent.WithRetryPolicy(agent.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}),
	)
	builder := window.NewBuilder(store, window.WithSizer(sizer), window.WithHistoryLimit(cfg.Execution.HistoryLimit))
	ctrl := chat.NewController(store, resolver, builder, executor, chat.Options{
		Timeout:       cfg.Execution.Timeout,
		ContextBudget: cfg.Execution.ContextBudget,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.New(ctrl, m, reg).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Execution.Timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
