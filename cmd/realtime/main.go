// Command realtime runs the WebSocket gateway: authentication, presence,
// rooms, the message pipeline, call signaling and in-app notifications.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haven/realtime/internal/auth"
	"github.com/haven/realtime/internal/ban"
	"github.com/haven/realtime/internal/call"
	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/config"
	"github.com/haven/realtime/internal/crisis"
	"github.com/haven/realtime/internal/gateway"
	"github.com/haven/realtime/internal/logging"
	"github.com/haven/realtime/internal/messaging"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/presence"
	"github.com/haven/realtime/internal/ratelimit"
	"github.com/haven/realtime/internal/registry"
	"github.com/haven/realtime/internal/room"
	"github.com/haven/realtime/internal/seal"
	"github.com/haven/realtime/internal/ws"
)

const (
	retentionInterval = time.Hour
	janitorInterval   = time.Minute
	presenceIdle      = 30 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With().Str("server", cfg.ServerName).Logger()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Registry epochs and call ids start over with the process, so peers
	// must see a restarted server as a new instance.
	instanceID := cfg.ServerName + "-" + uuid.NewString()[:8]

	// Backends are optional only with the memory driver, where a missing
	// Redis or NATS degrades to a single in-process instance.
	optional := cfg.StoreDriver == config.DriverMemory

	// --- Stores ---
	stores, err := openBackends(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer stores.Close(context.Background())

	// --- Redis ---
	var redisClient *redis.Client
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err = rc.Ping(pingCtx).Err()
	cancel()
	switch {
	case err == nil:
		redisClient = rc
		defer redisClient.Close()
	case optional:
		rc.Close()
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable; using in-process limits without bans")
	default:
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "haven-realtime-" + cfg.ServerName
	natsClient, err = messaging.NewNATSClient(natsConfig, logging.Component(log, "nats"))
	if err != nil {
		if !optional {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
		}
		log.Warn().Err(err).Msg("nats unavailable; running as a single instance")
		natsClient = nil
	}
	if natsClient != nil {
		defer natsClient.Close()
	}

	// --- Abuse guard ---
	var (
		limiter  ratelimit.Limiter
		reporter ratelimit.Reporter
		bans     auth.BanLookup
	)
	if redisClient != nil {
		banStore := ban.NewStore(redisClient)
		limiter = ratelimit.NewRedis(redisClient, logging.Component(log, "ratelimit"))
		reporter, bans = banStore, banStore
	} else {
		mem := ratelimit.NewMemory()
		go mem.RunJanitor(ctx, janitorInterval, time.Hour)
		limiter = mem
	}
	guard := ratelimit.NewGuard(limiter, reporter, logging.Component(log, "guard"))

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), stores.identities, bans, logging.Component(log, "auth"))

	// --- Realtime core ---
	reg := registry.New()

	// Declare the gateway early so the router's overflow callback can
	// capture it.
	var gw *gateway.Gateway

	routerOpts := []room.Option{
		room.WithLogger(logging.Component(log, "router")),
		room.WithOverflow(func(s room.Sink) { gw.Overflow(s) }),
	}
	var bridge *messaging.Bridge
	if natsClient != nil {
		bridge = messaging.NewBridge(natsClient, instanceID, logging.Component(log, "bridge"))
		routerOpts = append(routerOpts, room.WithBridge(bridge))
	}
	router := room.NewRouter(reg, routerOpts...)
	if bridge != nil {
		bridge.Attach(router)
		if err := bridge.Start(natsClient); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to fan-out")
		}
	}

	var (
		snapshots      presence.SnapshotStore
		cluster        presence.Cluster
		onlineAnywhere notify.Presence
	)
	if redisClient != nil {
		snapshots = presence.NewRedisSnapshots(redisClient, cfg.ServerName)
		rcluster := presence.NewRedisCluster(redisClient, instanceID, logging.Component(log, "cluster"))
		if err := rcluster.Heartbeat(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to register instance")
		}
		go rcluster.RunHeartbeat(ctx)
		cluster, onlineAnywhere = rcluster, rcluster
	}
	tracker := presence.NewTracker(presence.Config{
		Out:       router,
		Snapshots: snapshots,
		Cluster:   cluster,
		Contacts:  stores.contacts,
		Scope:     presence.Scope(cfg.PresenceScope),
		Log:       logging.Component(log, "presence"),
	})
	go tracker.RunJanitor(ctx, janitorInterval, presenceIdle)

	var (
		offline notify.OfflineChannel
		alerts  chat.AlertPublisher
	)
	if natsClient != nil {
		offline = messaging.NewOfflineChannel(natsClient)
		alerts = messaging.NewCrisisPublisher(natsClient)
	}
	notifications := notify.NewDispatcher(notify.Config{
		Store:     stores.notifications,
		Delivery:  router,
		Presence:  onlineAnywhere,
		Offline:   offline,
		Retention: cfg.NotificationRetention,
		Log:       logging.Component(log, "notify"),
	})

	var cipher *seal.Cipher
	if cfg.EncryptionEnabled {
		key, err := seal.ParseKey(cfg.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid ENCRYPTION_KEY")
		}
		cipher, err = seal.NewCipher(key, seal.PurposeMessage)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create message cipher")
		}
	}

	pipeline := chat.NewPipeline(chat.Config{
		Store:          stores.messages,
		Groups:         stores.groups,
		Fanout:         router,
		Guard:          guard,
		Rule:           ratelimit.RuleMessage.WithLimit(cfg.MessagesPerMinute),
		Upload:         ratelimit.RuleUpload.WithLimit(cfg.UploadsPerHour),
		Scanner:        crisis.NewScanner(crisis.ParseKeywords(cfg.CrisisKeywords)),
		Cipher:         cipher,
		Notifier:       notifications,
		Alerts:         alerts,
		ReviewersRoom:  cfg.ReviewersRoom,
		MaxRunes:       cfg.MaxMessageLength,
		PersistTimeout: cfg.PersistTimeout,
		Log:            logging.Component(log, "pipeline"),
	})

	relayConfig := call.Config{
		Fanout: router,
		Guard:  guard,
		Rule:   ratelimit.RuleCall.WithLimit(cfg.CallsPerHour),
		Log:    logging.Component(log, "calls"),
	}
	if bridge != nil {
		relayConfig.Fanout = messaging.NewCallFanout(router, bridge, logging.Component(log, "calls"))
		relayConfig.Owner = instanceID
	}
	relay := call.NewRelay(relayConfig)
	var calls gateway.Calls = relay
	if bridge != nil {
		callRouter := messaging.NewCallRouter(relay, instanceID, natsClient, logging.Component(log, "calls"))
		if err := callRouter.Listen(natsClient); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to call requests")
		}
		calls = callRouter
	}

	gw = gateway.New(gateway.Config{
		Registry:      reg,
		Router:        router,
		Presence:      tracker,
		Pipeline:      pipeline,
		Calls:         calls,
		Notify:        notifications,
		Memberships:   stores.memberships,
		ReviewersRoom: cfg.ReviewersRoom,
		Log:           logging.Component(log, "gateway"),
	})
	guard.SetBanHandler(gw.Banned)

	// --- Transport ---
	throttle := ratelimit.NewHandshakeThrottle(ratelimit.HandshakeConfig{
		RPS:   cfg.HandshakeRPS,
		Burst: cfg.HandshakeBurst,
		TTL:   ratelimit.DefaultHandshakeConfig().TTL,
	})
	go throttle.RunCleanup(ctx, janitorInterval)
	go notifications.RunRetention(ctx, retentionInterval)

	server, err := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		SendQueueSize:  cfg.SendQueueSize,
		Heartbeat:      ws.DefaultHeartbeatConfig(),
	}, verifier, gw, ws.WithThrottle(throttle), ws.WithLogger(logging.Component(log, "ws")))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	gw.SetTransport(server)

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Str("instance", instanceID).
		Str("store_driver", cfg.StoreDriver).
		Bool("encryption", cipher != nil).
		Bool("redis", redisClient != nil).
		Bool("nats", natsClient != nil).
		Str("presence_scope", cfg.PresenceScope).
		Msg("realtime server starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Int("calls_active", relay.ActiveCount()).Msg("realtime server stopped")
}
