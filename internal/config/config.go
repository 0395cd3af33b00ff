// Package config loads server settings from the environment. An optional
// .env file is read first; variables already set in the environment win.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/hub"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/presence"
	"github.com/pixellumo/lumoverse/internal/ratelimit"
)

// Config holds every setting of the server and moderator binaries. Empty
// RedisAddr, NATSURL and DatabaseURL select the in-process implementations.
type Config struct {
	ListenAddr  string
	ServerName  string
	RedisAddr   string
	NATSURL     string
	DatabaseURL string

	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	RateLimit  int
	RateWindow time.Duration

	SpamThreshold     int
	ReviewThreshold   int
	BanThreshold      int
	FlagHideThreshold int

	PresenceTimeout  time.Duration
	HistoryPageSize  int
	HistoryRetention int
	MaxMessageChars  int

	Moderators []string
	AdminToken string
}

// Defaults returns the configuration used when no variable is set.
func Defaults() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "ws-1"
	}
	return Config{
		ListenAddr:        ":8080",
		ServerName:        host,
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		RateLimit:         ratelimit.RuleMessage.Limit,
		RateWindow:        ratelimit.RuleMessage.Window,
		SpamThreshold:     moderation.DefaultSpamThreshold,
		ReviewThreshold:   moderation.DefaultReviewThreshold,
		BanThreshold:      moderation.DefaultBanThreshold,
		FlagHideThreshold: moderation.DefaultHideThreshold,
		PresenceTimeout:   presence.DefaultTimeout,
		HistoryPageSize:   hub.DefaultHistoryPageSize,
		HistoryRetention:  chat.DefaultRetention,
		MaxMessageChars:   chat.MaxTextChars,
	}
}

// Load reads files (".env" when none are given) and then the environment.
// Missing files are ignored. Unparsable values are logged and the default is
// kept.
func Load(files ...string) Config {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		log.Printf("[config] %v", err)
	}

	c := Defaults()
	str("LISTEN_ADDR", &c.ListenAddr)
	str("SERVER_NAME", &c.ServerName)
	str("REDIS_ADDR", &c.RedisAddr)
	str("NATS_URL", &c.NATSURL)
	str("DATABASE_URL", &c.DatabaseURL)
	str("ADMIN_TOKEN", &c.AdminToken)

	positive("WORKER_POOL_SIZE", &c.WorkerPoolSize)
	positive("MAX_CONNECTIONS", &c.MaxConnections)
	positive("RATE_LIMIT", &c.RateLimit)
	positive("SPAM_THRESHOLD", &c.SpamThreshold)
	positive("REVIEW_THRESHOLD", &c.ReviewThreshold)
	positive("BAN_THRESHOLD", &c.BanThreshold)
	positive("FLAG_HIDE_THRESHOLD", &c.FlagHideThreshold)
	positive("HISTORY_PAGE_SIZE", &c.HistoryPageSize)
	positive("HISTORY_RETENTION", &c.HistoryRetention)
	positive("MAX_MESSAGE_CHARS", &c.MaxMessageChars)

	duration("READ_TIMEOUT", &c.ReadTimeout)
	duration("WRITE_TIMEOUT", &c.WriteTimeout)
	duration("RATE_WINDOW", &c.RateWindow)
	duration("PRESENCE_TIMEOUT", &c.PresenceTimeout)

	if v := os.Getenv("MODERATORS"); v != "" {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				c.Moderators = append(c.Moderators, m)
			}
		}
	}
	return c
}

// MessageRule is the per-identity message rate rule.
func (c Config) MessageRule() ratelimit.Rule {
	return ratelimit.Rule{Key: ratelimit.RuleMessage.Key, Limit: c.RateLimit, Window: c.RateWindow}
}

func str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func positive(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, *dst)
		return
	}
	*dst = n
}

func duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, *dst)
		return
	}
	*dst = d
}
