// Command crisiswatch consumes crisis alerts published by realtime
// instances, records them for reviewers and escalates identities with
// repeated or critical alerts.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haven/realtime/internal/config"
	"github.com/haven/realtime/internal/logging"
	"github.com/haven/realtime/internal/messaging"
	"github.com/haven/realtime/internal/store/memstore"
	"github.com/haven/realtime/internal/store/postgres"
)

// queueGroup load-balances alerts across watcher replicas.
const queueGroup = "crisiswatch"

func main() {
	cfg, err := config.Load()
	log := logging.Component(logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}), "crisiswatch")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &watcher{log: log}

	// Alerts always go to PostgreSQL except under the memory driver.
	if cfg.StoreDriver == config.DriverMemory {
		w.store = memstore.New()
	} else {
		db, err := postgres.Open(ctx, cfg.PostgresURI)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open PostgreSQL")
		}
		defer db.Close()
		if err := postgres.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate")
		}
		w.store = postgres.NewStore(db)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable; escalations are not deduplicated")
		rdb.Close()
	} else {
		w.gate = &redisGate{client: rdb}
		defer rdb.Close()
	}
	cancel()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "haven-crisiswatch"
	natsClient, err := messaging.NewNATSClient(natsConfig, logging.Component(log, "nats"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsClient.Close()

	err = natsClient.QueueSubscribe(messaging.SubjectCrisis, queueGroup, func(data []byte) {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := w.handle(hctx, data); err != nil {
			log.Error().Err(err).Msg("crisis alert handling failed")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to crisis alerts")
	}

	log.Info().
		Str("nats_url", natsConfig.URL).
		Str("store_driver", cfg.StoreDriver).
		Bool("dedupe", w.gate != nil).
		Msg("crisis watcher running")

	<-ctx.Done()
	log.Info().Msg("crisis watcher stopped")
}
