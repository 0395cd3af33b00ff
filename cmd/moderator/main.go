package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixellumo/lumoverse/internal/ban"
	"github.com/pixellumo/lumoverse/internal/config"
	"github.com/pixellumo/lumoverse/internal/db"
	"github.com/pixellumo/lumoverse/internal/messaging"
	"github.com/pixellumo/lumoverse/internal/metrics"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/report"
)

func main() {
	log.Println("Starting LumoVerse moderation service...")
	cfg := config.Load()
	if cfg.NATSURL == "" {
		log.Fatalf("NATS_URL is required: the moderator consumes %s", messaging.SubjectModerationCheck)
	}

	// Redis setup. Scores and bans must be shared with the servers.
	var (
		rdb    *redis.Client
		scores moderation.ScoreStore
		bans   moderation.BanStore
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		scores = ban.NewScoreStore(rdb)
		bans = ban.NewStore(rdb)
	} else {
		log.Printf("[moderator] REDIS_ADDR not set, scores and bans are local to this process")
	}

	// Postgres setup for the flag ledger.
	var (
		conn  *sql.DB
		flags moderation.FlagStore
	)
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
	reviewer := moderation.NewReviewer(ledger, cfg.ReviewThreshold)

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "lumoverse-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	queue := messaging.NewModerationQueue(natsClient)
	err = queue.ServeReviews(reviewer, func(d moderation.Decision) {
		metrics.FlagsTotal.WithLabelValues("system", "true").Inc()
		log.Printf("[moderator] HIDDEN content=%s author=%s score=%d reason=%s",
			d.ContentID, d.Author, d.Score, d.Reason)
		if d.Banned {
			metrics.BansTotal.WithLabelValues("auto").Inc()
			log.Printf("[moderator] BANNED identity=%s secs=%d", d.Author, d.BanSecs)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to moderation checks: %v", err)
	}

	metricsServer := &http.Server{Addr: cfg.ListenAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[moderator] metrics server: %v", err)
		}
	}()

	log.Printf("LumoVerse moderation service running")
	log.Printf("  metrics_addr:     %s", cfg.ListenAddr)
	log.Printf("  redis_addr:       %s", cfg.RedisAddr)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  postgres:         %v", conn != nil)
	log.Printf("  review_threshold: %d", cfg.ReviewThreshold)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctx)
	natsClient.Close()
	if conn != nil {
		conn.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
}
