package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixellumo/lumoverse/internal/ban"
	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/config"
	"github.com/pixellumo/lumoverse/internal/db"
	"github.com/pixellumo/lumoverse/internal/hub"
	"github.com/pixellumo/lumoverse/internal/messaging"
	"github.com/pixellumo/lumoverse/internal/metrics"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/presence"
	"github.com/pixellumo/lumoverse/internal/ratelimit"
	"github.com/pixellumo/lumoverse/internal/report"
	"github.com/pixellumo/lumoverse/internal/session"
	"github.com/pixellumo/lumoverse/internal/ws"
)

func main() {
	cfg := config.Load()

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	// --- Stores: Redis when configured, in-process otherwise ---
	var (
		rdb           *redis.Client
		memRate                         = ratelimit.NewMemoryStore()
		history       chat.HistoryStore = chat.NewMemoryHistory(cfg.HistoryRetention)
		presenceStore presence.Store    = presence.NewMemoryStore()
		rateStore     ratelimit.Store   = memRate
		sessionStore  session.Store     = session.NewMemoryStore(cfg.ServerName)
		scores        moderation.ScoreStore
		bans          moderation.BanStore
		flags         moderation.FlagStore
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		history = chat.NewStore(rdb, cfg.HistoryRetention)
		presenceStore = presence.NewRedisStore(rdb)
		rateStore = ratelimit.NewRedisStore(rdb)
		memRate = nil
		sessionStore = session.NewRedisStore(rdb, cfg.ServerName)
		scores = ban.NewScoreStore(rdb)
		bans = ban.NewStore(rdb)
	}

	// --- Postgres flag ledger ---
	var conn *sql.DB
	if cfg.DatabaseURL != "" {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		conn, err = db.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		flags = report.NewStore(conn)
	}

	ledger := moderation.NewLedger(flags, scores, bans, moderation.LedgerConfig{
		HideThreshold: cfg.FlagHideThreshold,
		BanThreshold:  cfg.BanThreshold,
	})
	messageLimiter := ratelimit.NewLimiter(rateStore, cfg.MessageRule())

	// --- Fan-out: NATS when configured, local broker and inline review otherwise ---
	var (
		natsClient *messaging.NATSClient
		broker     hub.Broker       = hub.NewLocalBroker()
		queue      moderation.Queue = moderation.NewInlineQueue(moderation.NewReviewer(ledger, cfg.ReviewThreshold))
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "lumoverse-ws-" + cfg.ServerName
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		broker = messaging.NewRoomBroker(natsClient)
		queue = messaging.NewModerationQueue(natsClient)
	}

	tracker := presence.NewTracker(presenceStore, cfg.PresenceTimeout)
	h, err := hub.New(hub.Config{
		HistoryPageSize: cfg.HistoryPageSize,
		MaxTextChars:    cfg.MaxMessageChars,
		Moderators:      cfg.Moderators,
		AdminToken:      cfg.AdminToken,
	}, hub.Deps{
		Broker:         broker,
		History:        history,
		Tracker:        tracker,
		Ledger:         ledger,
		Scorer:         moderation.NewScorer(cfg.SpamThreshold, messageLimiter),
		MessageLimiter: messageLimiter,
		ReportLimiter:  ratelimit.NewLimiter(rateStore, ratelimit.RuleReport),
		Queue:          queue,
		Sessions:       sessionStore,
	})
	if err != nil {
		log.Fatalf("failed to create hub: %v", err)
	}

	// --- WebSocket server ---
	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	for _, t := range hub.MessageTypes {
		dispatcher.Register(t, func(c *ws.Connection, msg any) {
			h.Handle(c.ID, msg)
		})
	}
	h.SetSender(server)
	server.SetOnConnect(h.OnConnect)
	server.SetOnDisconnect(h.OnDisconnect)
	server.SetConnectLimiter(ratelimit.NewLimiter(rateStore, ratelimit.RuleConnect))
	server.Handle("/metrics", metrics.Handler())
	server.Handle(hub.AdminPrefix+"/", h.AdminRouter())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go presence.StartSweeper(ctx, tracker, 0)
	if memRate != nil {
		go memRate.StartSweeper(ctx, time.Minute)
	}

	log.Printf("LumoVerse server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  redis:           %s", orLocal(cfg.RedisAddr))
	log.Printf("  nats:            %s", orLocal(cfg.NATSURL))
	log.Printf("  postgres:        %v", conn != nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	stop()
	if err := server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	h.Close()
	if natsClient != nil {
		natsClient.Close()
	}
	if conn != nil {
		conn.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	log.Printf("LumoVerse server stopped")
}

func orLocal(addr string) string {
	if addr == "" {
		return "in-process"
	}
	return addr
}
