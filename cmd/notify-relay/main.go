package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/priority-slot-booking/internal/booking"
	"github.com/hackgods/priority-slot-booking/internal/config"
	"github.com/hackgods/priority-slot-booking/internal/db"
	"github.com/hackgods/priority-slot-booking/internal/logging"
	redisclient "github.com/hackgods/priority-slot-booking/internal/redis"
)

// notify-relay republishes booking confirmations whose post-commit publish
// never landed.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalLogger := logging.New("dev", "info", "notify-relay")
		fatalLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, "notify-relay")
	logger.Info().
		Dur("interval", cfg.RelayInterval).
		Dur("min_age", cfg.RelayMinAge).
		Int("batch_size", cfg.RelayBatchSize).
		Msg("notify-relay starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()

	publisher := redisclient.NewStreamPublisher(rdb, cfg.NotifyStream, cfg.NotifyStreamMaxLen)
	svc := booking.NewService(booking.NewPgStore(pgPool), publisher, cfg, logger)

	runOnce(rootCtx, svc, cfg, logger)

	ticker := time.NewTicker(cfg.RelayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping notify-relay")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, cfg, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service, cfg config.Config, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.RelayUnpublished(runCtx, cfg.RelayMinAge, cfg.RelayBatchSize)
	if err != nil {
		logger.Error().Err(err).Msg("relay run error")
		return
	}
	logger.Info().Int("published", n).Dur("took", time.Since(start)).Msg("relay run complete")
}
