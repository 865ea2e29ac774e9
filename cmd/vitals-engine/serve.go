package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-vitals/internal/api"
	"github.com/miradorstack/mirador-vitals/internal/cache"
	"github.com/miradorstack/mirador-vitals/internal/config"
	"github.com/miradorstack/mirador-vitals/internal/engine"
	"github.com/miradorstack/mirador-vitals/internal/ingest"
	"github.com/miradorstack/mirador-vitals/internal/metrics"
	"github.com/miradorstack/mirador-vitals/internal/models"
	"github.com/miradorstack/mirador-vitals/internal/patterns"
	"github.com/miradorstack/mirador-vitals/internal/repo"
	"github.com/miradorstack/mirador-vitals/internal/services"
	"github.com/miradorstack/mirador-vitals/internal/store"
	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// sinkBacklog sizes the queues between the engine and the cache and journal writers.
const sinkBacklog = 1024

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine behind its gRPC, HTTP and metrics listeners",
		RunE: func(*cobra.Command, []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out, logCloser := utils.LogWriter(cfg.Logging.RotatedFile())
	defer logCloser.Close()
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, out)
	slog.SetDefault(logger)
	logger.Info("starting mirador-vitals",
		slog.String("version", BuildVersion),
		slog.String("grpc", cfg.Server.Address),
		slog.String("http", cfg.Server.HTTPAddress),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	eng := engine.New(engine.Options{
		Logger:        logger,
		Defaults:      cfg.Engine.Defaults,
		AutoRegister:  cfg.Engine.AutoRegister,
		LatencyWindow: cfg.Engine.LatencyWindow,
	})
	for _, m := range cfg.Metrics {
		if err := eng.RegisterMetric(m.Name, m.MetricConfig); err != nil {
			return err
		}
	}

	budgets := &budgetLoader{engine: eng, inline: cfg.Budgets.Items, logger: logger}
	var fileBudgets []models.Budget
	if cfg.Budgets.Path != "" {
		if fileBudgets, err = config.LoadBudgets(cfg.Budgets.Path); err != nil {
			return err
		}
	}
	if err := budgets.apply(fileBudgets); err != nil {
		return err
	}

	rules, err := patterns.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		return fmt.Errorf("load remediation rules: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sinks outlive the listeners so that the final outcomes are written.
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()
	var wg sync.WaitGroup

	provider := newCacheProvider(cfg.Cache, logger)
	defer provider.Close()
	snapshots := repo.NewSnapshotStore(provider, cfg.Cache.SnapshotTTL, cfg.Cache.DedupeTTL, logger, func(_ context.Context, ev models.BudgetEvent) {
		logger.Warn("budget "+string(ev.Kind),
			slog.String("metric", ev.Metric),
			slog.String("budget", ev.BudgetID),
			slog.Float64("value", ev.Value),
			slog.Float64("threshold", ev.Threshold),
			slog.String("level", string(ev.AlertLevel)),
		)
	})
	if err := runSink(sinkCtx, &wg, eng, snapshots.Run); err != nil {
		return err
	}

	var journal *store.Journal
	if cfg.Journal.Enabled {
		journal, err = store.Open(cfg.Journal.Path, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		if err := runSink(sinkCtx, &wg, eng, journal.Run); err != nil {
			return err
		}
	}

	// Backfill after the sinks subscribe so replayed periods and budget
	// events are journaled too.
	if cfg.Clients.Core.BaseURL != "" {
		core := repo.NewCoreClient(cfg.Clients.Core.BaseURL, cfg.Clients.Core.SeriesPath, cfg.Clients.Core.Timeout)
		backfill(ctx, eng, core, cfg.Clients.Core.Lookback, logger)
	}

	if cfg.Kafka.Enabled {
		consumer, err := ingest.NewKafkaIngester(cfg.Kafka, eng, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka ingest exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	if cfg.Budgets.Watch {
		go func() {
			err := config.WatchBudgets(ctx, cfg.Budgets.Path, logger, func(reloaded []models.Budget) {
				if err := budgets.apply(reloaded); err != nil {
					logger.Warn("budget reload rejected", slog.Any("error", err))
				}
			})
			if err != nil {
				logger.Error("budget watcher exited", slog.Any("error", err))
			}
		}()
	}

	go sweepLoop(ctx, eng, cfg.Engine.SweepInterval)

	var grpcServer *api.Server
	if cfg.Server.Address != "" {
		grpcServer, err = api.NewServer(cfg.Server, services.NewVitalsService(logger, eng, cfg.Server.StreamBacklog))
		if err != nil {
			return fmt.Errorf("create gRPC server: %w", err)
		}
		logger.Info("gRPC listening", slog.String("addr", grpcServer.Addr()))
		go func() {
			if serveErr := grpcServer.Start(); serveErr != nil {
				logger.Error("gRPC server exited", slog.Any("error", serveErr))
				stop()
			}
		}()
	}

	var httpServer *api.HTTPServer
	if cfg.Server.HTTPAddress != "" {
		opts := api.HTTPOptions{
			Engine:        eng,
			Logger:        logger,
			Health:        newHealth(provider, journal),
			Gatherer:      prometheus.DefaultGatherer,
			Miner:         patterns.NewMiner(logger, rules),
			CORSOrigins:   cfg.Server.CORSOrigins,
			StreamBacklog: cfg.Server.StreamBacklog,
		}
		if journal != nil {
			opts.Journal = journal
		}
		if cfg.Cache.Enabled {
			opts.Snapshots = snapshots
		}
		httpServer = api.NewHTTPServer(cfg.Server.HTTPAddress, api.NewRouter(opts), logger)
		go func() {
			if serveErr := httpServer.Start(); serveErr != nil {
				logger.Error("http server exited", slog.Any("error", serveErr))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	// End of stream: open periods close and bypass subscribers.
	closed := eng.FlushAll()
	if journal != nil {
		for _, change := range closed {
			if err := journal.RecordPeriod(shutdownCtx, change.Period); err != nil {
				logger.Warn("journal final period", slog.String("metric", change.Period.Metric), slog.Any("error", err))
			}
		}
	}

	// Sinks write whatever is still queued before returning.
	cancelSinks()
	wg.Wait()

	stats := eng.Stats()
	logger.Info("mirador-vitals stopped",
		slog.Uint64("ingested", stats.Ingested),
		slog.Uint64("anomalies", stats.Anomalies),
		slog.Int("closed_on_shutdown", len(closed)),
	)
	return nil
}

// runSink feeds period and budget outcomes of every metric to run.
func runSink(ctx context.Context, wg *sync.WaitGroup, eng *engine.Engine, run func(context.Context, <-chan models.IngestOutcome)) error {
	handler, outcomes := engine.Buffered(sinkBacklog)
	if _, err := eng.Subscribe(engine.AllMetrics, handler, models.OutcomePeriod, models.OutcomeBudget); err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx, outcomes)
	}()
	return nil
}

func newCacheProvider(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled {
		return cache.NoopProvider{}
	}
	if cfg.Backend == "memory" {
		return cache.NewMemoryProvider(nil)
	}
	provider, err := cache.NewRedisProvider(cache.RedisConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
	if err != nil {
		logger.Warn("snapshot cache unavailable", slog.String("backend", cfg.Backend), slog.Any("error", err))
		return cache.NoopProvider{}
	}
	return provider
}

func newHealth(provider cache.Provider, journal *store.Journal) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("cache", healthcheck.Timeout(func() error {
		return provider.Ping(context.Background())
	}, time.Second))
	if journal != nil {
		health.AddReadinessCheck("journal", healthcheck.Timeout(func() error {
			return journal.Ping(context.Background())
		}, time.Second))
	}
	return health
}

func sweepLoop(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := eng.Clock().Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			eng.Sweep(now)
		}
	}
}

// backfill seeds every registered metric with recent history from mirador-core.
// Failures are logged; the engine starts cold for that metric.
func backfill(ctx context.Context, eng *engine.Engine, core *repo.CoreClient, lookback time.Duration, logger *slog.Logger) {
	if !core.Enabled() || lookback <= 0 {
		return
	}
	end := eng.Clock().Now()
	start := end.Add(-lookback)
	for _, metric := range eng.Metrics() {
		samples, err := core.FetchSeries(ctx, metric, start, end)
		if err != nil {
			logger.Warn("backfill skipped", slog.String("metric", metric), slog.Any("error", err))
			continue
		}
		report, err := eng.Replay(ctx, samples)
		if err != nil {
			logger.Warn("backfill aborted", slog.String("metric", metric), slog.Any("error", err))
			return
		}
		logger.Info("backfill complete",
			slog.String("metric", metric),
			slog.Int("processed", report.Processed),
			slog.Int("rejected", report.Rejected),
			slog.Int("anomalies", report.Anomalies),
		)
	}
}

// budgetLoader applies config budgets plus the budget file, clearing metrics
// whose budgets disappeared on reload.
type budgetLoader struct {
	engine *engine.Engine
	inline []models.Budget
	logger *slog.Logger

	mu      sync.Mutex
	applied map[string]struct{}
}

func (l *budgetLoader) apply(fromFile []models.Budget) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	all := make([]models.Budget, 0, len(l.inline)+len(fromFile))
	all = append(append(all, l.inline...), fromFile...)
	grouped := config.GroupByMetric(all)

	var errs []error
	for metric, list := range grouped {
		if _, err := l.engine.SetBudgets(metric, list); err != nil {
			errs = append(errs, err)
		}
	}
	for metric := range l.applied {
		if _, ok := grouped[metric]; ok {
			continue
		}
		if _, err := l.engine.SetBudgets(metric, nil); err != nil {
			errs = append(errs, err)
		}
	}

	l.applied = make(map[string]struct{}, len(grouped))
	for metric := range grouped {
		l.applied[metric] = struct{}{}
	}
	return errors.Join(errs...)
}
