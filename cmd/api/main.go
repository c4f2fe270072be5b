package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/settleops/internal/api"
	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/config"
	"github.com/punchamoorthee/settleops/internal/custody"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/escrow"
	"github.com/punchamoorthee/settleops/internal/keeper"
	"github.com/punchamoorthee/settleops/internal/pool"
)

func main() {
	configPath := flag.String("config", "settleops.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("settleops stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", "settleops", "env", cfg.Server.Env)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		ledger custody.Ledger
		idem   api.IdempotencyStore
	)
	if cfg.Database.Source != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Database.Source)
		if err != nil {
			return err
		}
		defer dbPool.Close()

		pg := custody.NewPostgresLedger(dbPool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		keys := api.NewPostgresIdempotency(dbPool)
		if err := keys.Migrate(ctx); err != nil {
			return err
		}
		ledger, idem = pg, keys
		logger.Info("custody ledger on postgres")
	} else {
		ledger, idem = custody.NewMemoryLedger(), api.NewMemoryIdempotency()
		logger.Warn("DB_SOURCE not set, custody balances live in memory")
	}

	recorder, history, err := newRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("close audit sinks", "error", err)
		}
	}()

	mediators := make([]domain.Account, 0, len(cfg.Escrow.Mediators))
	for _, m := range cfg.Escrow.Mediators {
		mediators = append(mediators, domain.Account(m))
	}
	escrows, err := escrow.NewEngine(ledger, recorder, escrow.Config{
		Admin:        domain.Account(cfg.Admin),
		FeeBps:       *cfg.Escrow.FeeBps,
		FeeRecipient: domain.Account(cfg.Escrow.FeeRecipient),
		Mediators:    mediators,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	pools, err := pool.NewEngine(ledger, recorder, pool.Config{
		Admin:        domain.Account(cfg.Admin),
		FeeBps:       *cfg.Pool.FeeBps,
		FeeRecipient: domain.Account(cfg.Pool.FeeRecipient),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if cfg.KeeperEnabled() {
		k := keeper.New(ctx, pools, time.Now, logger)
		if err := k.Register(cfg.Keeper.Schedule); err != nil {
			return err
		}
		k.Start()
		defer k.Stop()
	}

	handler := api.NewHandler(escrows, pools, ledger, api.Options{
		Admin:       domain.Account(cfg.Admin),
		Idempotency: idem,
		History:     history,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRecorder builds the configured audit sinks. The SQLite sink, when present,
// also serves history queries.
func newRecorder(cfg *config.Config, logger *slog.Logger) (audit.Recorder, api.HistoryReader, error) {
	var (
		sinks   audit.Fanout
		history api.HistoryReader
	)
	if cfg.Audit.SQLitePath != "" {
		rec, err := audit.NewSQLiteRecorder(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, rec)
		history = rec
		logger.Info("audit events recorded to sqlite", "path", cfg.Audit.SQLitePath)
	}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		pub, err := audit.NewKafkaPublisher(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		if err != nil {
			sinks.Close()
			return nil, nil, err
		}
		sinks = append(sinks, pub)
		logger.Info("audit events published to kafka", "topic", cfg.Audit.KafkaTopic)
	}
	if len(sinks) == 0 {
		logger.Warn("no audit sink configured, events are dropped")
		return audit.NewNoopRecorder(), nil, nil
	}
	return sinks, history, nil
}
