package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable; nothing inside the core components is
// hard-coded. Defaults match the documented policy values.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"chatwire"`
	InstanceID  string `env:"INSTANCE_ID"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	ObsAddr  string `env:"OBS_HTTP_ADDR" envDefault:":9090"`

	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	EventTopic      string        `env:"EVENT_TOPIC" envDefault:"chat:events"`
	EventMaxLen     int64         `env:"EVENT_STREAM_MAXLEN" envDefault:"8192"`
	DeadMaxLen      int64         `env:"EVENT_DEAD_MAXLEN" envDefault:"1024"`
	ConsumerBatch   int64         `env:"CONSUMER_BATCH" envDefault:"64"`
	ConsumerBlock   time.Duration `env:"CONSUMER_BLOCK" envDefault:"5s"`
	ConsumerRetries int           `env:"CONSUMER_RETRIES" envDefault:"3"`
	PendingTimeout  time.Duration `env:"PENDING_TIMEOUT" envDefault:"30s"`
	ClaimInterval   time.Duration `env:"CLAIM_INTERVAL" envDefault:"15s"`

	RateLimitCount  int           `env:"RATE_LIMIT_COUNT" envDefault:"10"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	FloodThreshold  int           `env:"FLOOD_THRESHOLD" envDefault:"3"`
	FloodWindow     time.Duration `env:"FLOOD_WINDOW" envDefault:"2s"`
	Denylist        []string      `env:"DENYLIST" envSeparator:","`

	CacheCapacity int           `env:"CACHE_CAPACITY" envDefault:"50"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"2m"`

	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5m"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	PresenceRetention time.Duration `env:"PRESENCE_RETENTION" envDefault:"24h"`
	DefaultMaxUsers   int           `env:"DEFAULT_MAX_USERS" envDefault:"100"`

	AuthGatewayURL   string        `env:"AUTH_GATEWAY_URL" envDefault:"http://localhost:8081"`
	AuthTimeout      time.Duration `env:"AUTH_TIMEOUT" envDefault:"5s"`
	AuthRetries      int           `env:"AUTH_RETRIES" envDefault:"2"`
	BreakerThreshold uint32        `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`

	JWTSecret  string   `env:"JWT_SECRET"`
	Moderators []string `env:"MODERATORS" envSeparator:","`

	ConnRateLimit  int           `env:"CONN_RATE_LIMIT" envDefault:"60"`
	ConnRateWindow time.Duration `env:"CONN_RATE_WINDOW" envDefault:"1m"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.HTTPAddr = fixPort(cfg.HTTPAddr)
	cfg.ObsAddr = fixPort(cfg.ObsAddr)
	return &cfg, nil
}

func fixPort(addr string) string {
	if addr != "" && !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}
