package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/adaptive-router/internal/alert"
	"github.com/danielpatrickdp/adaptive-router/internal/codec"
	"github.com/danielpatrickdp/adaptive-router/internal/config"
	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
	"github.com/danielpatrickdp/adaptive-router/internal/logging"
	"github.com/danielpatrickdp/adaptive-router/internal/observability"
	"github.com/danielpatrickdp/adaptive-router/internal/router"
	"github.com/danielpatrickdp/adaptive-router/internal/scheduler"
	"github.com/danielpatrickdp/adaptive-router/internal/scoring"
	"github.com/danielpatrickdp/adaptive-router/internal/server"
	"github.com/danielpatrickdp/adaptive-router/internal/state"
)

// #region main
func main() {
	cfgPath := flag.String("config", envOr("ROUTER_CONFIG", ""), "path to router YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewLogger(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *cfgPath, logger); err != nil {
		logger.Error("controller stopped", "error", err)
		os.Exit(1)
	}
}

// #endregion main

// #region run
func run(ctx context.Context, cfg config.Config, cfgPath string, logger *slog.Logger) error {
	if cfg.Tracing.Endpoint != "" {
		shutdown, err := observability.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	store, err := state.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	flog, closeLog, err := openFeedbackLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	agg := feedback.NewAggregator(cfg.Feedback.Window, metrics)
	if err := warm(ctx, store, agg, flog); err != nil {
		return err
	}

	collab, err := codec.NewClient(cfg.Collaborator.Addr)
	if err != nil {
		return fmt.Errorf("collaborator %s: %w", cfg.Collaborator.Addr, err)
	}
	defer collab.Close()

	var (
		lease  scheduler.Lease = scheduler.NewMemoryLease()
		alerts alert.Sink      = alert.NewLogSink(logger)
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		lease = scheduler.NewRedisLease(rdb, cfg.Redis.LeasePrefix)
		alerts = alert.Multi{alerts, alert.NewRedisStreamSink(rdb, cfg.Redis.AlertStream, cfg.Redis.StreamMaxLen)}
		logger.Info("redis lease and alert stream enabled", "stream", cfg.Redis.AlertStream)
	}

	sched, err := scheduler.New(scheduler.Deps{
		Store:      store,
		Aggregator: agg,
		Log:        flog,
		Tuner:      collab,
		Lease:      lease,
		Alerts:     alerts,
		Metrics:    metrics,
		Logger:     logger,
	}, cfg.Scheduler, cfg.Policy)
	if err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Store:      store,
		Router:     router.New(store, collab, cfg.Router, metrics, logger),
		Aggregator: agg,
		Log:        flog,
		Scheduler:  sched,
		Scoring:    scoring.NewProducer(collab, cfg.Scoring, logger),
		Metrics:    metrics,
		Gatherer:   reg,
		Logger:     logger,
	}, cfg.Server, cfg.Tracing.ServiceName)
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("router listening", "addr", cfg.Server.Addr, "db", cfg.Store.Path, "collaborator", cfg.Collaborator.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if cfgPath != "" {
		g.Go(func() error {
			return config.WatchPolicy(gctx, cfgPath, sched.SetPolicy, logger)
		})
	}
	return g.Wait()
}

// #endregion run

// #region helpers
func openFeedbackLog(ctx context.Context, cfg config.Config) (feedback.Log, func(), error) {
	if strings.EqualFold(cfg.Feedback.Driver, "postgres") {
		pg, err := feedback.NewPostgresLog(ctx, cfg.Feedback.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres feedback log: %w", err)
		}
		return pg, pg.Close, nil
	}
	l, err := feedback.OpenSQLiteLog(cfg.Feedback.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite feedback log: %w", err)
	}
	return l, func() { l.Close() }, nil
}

// warm reloads every live version's window from the feedback log.
func warm(ctx context.Context, store *state.Store, agg *feedback.Aggregator, flog feedback.Log) error {
	for _, t := range store.Tags() {
		set, err := store.GetActive(t.Name)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(set.Members))
		for _, m := range set.Members {
			ids = append(ids, m.VersionID)
		}
		cands, err := store.Candidates(ctx, t.Name)
		if err != nil {
			return err
		}
		for _, c := range cands {
			ids = append(ids, c.VersionID)
		}
		if err := agg.Warm(ctx, flog, t.Name, ids); err != nil {
			return fmt.Errorf("warm %s: %w", t.Name, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
