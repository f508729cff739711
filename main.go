package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xdusongwei/httptrading/internal/api"
	"github.com/xdusongwei/httptrading/internal/broker"
	"github.com/xdusongwei/httptrading/internal/events"
	"github.com/xdusongwei/httptrading/internal/gateway"
	"github.com/xdusongwei/httptrading/internal/logging"
	"github.com/xdusongwei/httptrading/internal/monitor"
	"github.com/xdusongwei/httptrading/internal/persistence"
	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/crypto"
	"github.com/xdusongwei/httptrading/pkg/db"
	"github.com/xdusongwei/httptrading/pkg/i18n"
)

const shutdownTimeout = 15 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// run returns after a signal or a fatal server error. Startup failures are
// returned so the deferred closes still run before the process exits.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf(i18n.Get("ConfigLoadFailed"), err)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	i18n.SetLanguage(i18n.Language(cfg.Language))
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info(i18n.Get("Starting"))
	logger.Info(fmt.Sprintf(i18n.M().ConfigLoaded, cfg.Port, len(cfg.Brokers)))
	if len(cfg.Brokers) == 0 {
		logger.Warn(i18n.M().NoBrokersConfigured)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker kinds
	reg := broker.NewRegistry()
	factory := gateway.NewFactory(reg)
	if err := gateway.RegisterBuiltins(factory); err != nil {
		return fmt.Errorf(i18n.M().StartupAborted, err)
	}
	logger.Info(fmt.Sprintf(i18n.M().BrokerRegistered, factory.Kinds()))

	// Core services
	bus := events.NewBus()
	sysMetrics := monitor.NewSystemMetrics()
	sink := gateway.MultiSink{events.OrderPublisher{Bus: bus}}

	var (
		database *db.Database
		writer   *persistence.BatchWriter
	)
	if cfg.DumpOrders {
		logger.Info(fmt.Sprintf(i18n.M().UsingDBPath, redactDSN(cfg.DBPath)))
		database, err = db.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf(i18n.M().DBInitFailed, err)
		}
		defer database.Close()
		if err := db.ApplyMigrations(database); err != nil {
			return fmt.Errorf(i18n.M().DBMigrationsFailed, err)
		}
		writer = persistence.NewBatchWriter(database.DB, 100, time.Second, logger).UseDialect(database.Dialect)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("dump writer close", "error", err)
			}
		}()
		sink = append(sink, persistence.NewOrderDumpWriter(writer))
		logger.Info(fmt.Sprintf(i18n.M().DumpStoreEnabled, database.Dialect))
	} else {
		logger.Info(i18n.M().DumpStoreDisabled)
	}

	var sealer *crypto.Sealer
	if cfg.CredentialKey != "" {
		key, err := crypto.ParseKey(cfg.CredentialKey)
		if err == nil {
			sealer, err = crypto.NewSealer(key, 1)
		}
		if err != nil {
			return fmt.Errorf(i18n.M().ConfigLoadFailed, err)
		}
	}

	pool := broker.NewPool(cfg.WorkerPoolSize)
	defer pool.Close()
	deps := broker.Deps{
		Pool:             pool,
		Sink:             sink,
		Logger:           logger,
		DumpActiveOrders: cfg.DumpActiveOrders,
		Sealer:           sealer,
	}

	// Broker instances
	mgr := gateway.NewManager(gateway.Config{
		FailFast:       cfg.StartupFailFast,
		HealthInterval: cfg.HealthInterval,
		PingTimeout:    10 * time.Second,
	}, bus, logger)
	if err := mgr.Build(factory, cfg.Brokers, deps); err != nil {
		return fmt.Errorf(i18n.M().StartupAborted, err)
	}

	// Subscribers must exist before StartAll publishes the first states.
	mon := &monitor.Monitor{Bus: bus, Metrics: sysMetrics, Sink: monitor.LogSink{Logger: logger}}
	mon.Start(ctx)

	var healthSvc *gateway.HealthService
	if cfg.GRPCHealthAddr != "" {
		healthSvc = gateway.NewHealthService(mgr, bus, logger)
	}

	if err := mgr.StartAll(ctx); err != nil {
		shutdownBrokers(logger, mgr)
		return fmt.Errorf(i18n.M().StartupAborted, err)
	}
	mgr.Start(ctx)

	if healthSvc != nil {
		go func() {
			if err := healthSvc.Serve(ctx, cfg.GRPCHealthAddr); err != nil {
				logger.Error(fmt.Sprintf(i18n.M().GRPCHealthError, err))
			}
		}()
	}

	if writer != nil {
		go reportDumpStats(ctx, writer, sysMetrics)
	}

	// API
	server := api.NewServer(mgr, bus, database, sysMetrics, api.Options{
		TokenHeader: cfg.TokenHeader,
		IPRateLimit: cfg.IPRateLimit,
		IPRateBurst: cfg.IPRateBurst,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info(fmt.Sprintf(i18n.M().ServerListening, httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Sprintf(i18n.M().APIServerError, err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info(i18n.M().ShuttingDown)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	cancel()
	mgr.Stop()
	shutdownBrokers(logger, mgr)
	return nil
}

func shutdownBrokers(logger *slog.Logger, mgr *gateway.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.ShutdownAll(ctx); err != nil {
		logger.Warn("broker shutdown", "error", err)
		return
	}
	logger.Info(i18n.M().ShutdownComplete)
}

// reportDumpStats copies dump store counters into the metrics snapshot.
func reportDumpStats(ctx context.Context, w *persistence.BatchWriter, m *monitor.SystemMetrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetDumpStats(w.GetMetrics())
		}
	}
}

// redactDSN hides the password of a postgres DSN before it is logged.
func redactDSN(target string) string {
	if !db.IsPostgresDSN(target) {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return "postgres://..."
	}
	return u.Redacted()
}
