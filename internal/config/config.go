package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Webhook  WebhookConfig
	Queue    QueueConfig
	Session  SessionConfig
	Tasks    TasksConfig
	Log      LogConfig
}

type ServerConfig struct {
	Address string
	APIKey  string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// WebhookConfig is optional; an empty URL disables notifications.
type WebhookConfig struct {
	URL string
}

type QueueConfig struct {
	Workers           int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	JitterMin         time.Duration
	JitterMax         time.Duration
	PollInterval      time.Duration
	RetainCompleted   int
	RetainFailed      int
	ContentMax        int
}

type SessionConfig struct {
	RateLimitPerMinute int
	ReconnectDelay     time.Duration
	SendTimeout        time.Duration
	DefaultCountryCode string
}

// TasksConfig holds the intervals of the periodic background tasks.
type TasksConfig struct {
	StatsInterval     time.Duration
	RetentionInterval time.Duration
}

type LogConfig struct {
	Level          slog.Level
	WhatsmeowLevel string
}

// LoadAll reads the whole configuration from the environment and reports
// every problem at once.
func LoadAll() (*Config, error) {
	var errs []error
	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(num(key, def)) * time.Second
	}
	millis := func(key string, def int) time.Duration {
		return time.Duration(num(key, def)) * time.Millisecond
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
			APIKey:  str("API_KEY"),
		},
		Database: DatabaseConfig{
			PostgresURL: str("POSTGRES_URL"),
		},
		Webhook: WebhookConfig{
			URL: os.Getenv("WEBHOOK_URL"),
		},
		Queue: QueueConfig{
			Workers:           num("QUEUE_WORKERS", 2),
			MaxAttempts:       num("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:       seconds("QUEUE_BACKOFF_BASE_SECONDS", 5),
			BackoffMultiplier: float64(num("QUEUE_BACKOFF_MULTIPLIER", 2)),
			JitterMin:         millis("QUEUE_JITTER_MIN_MS", 2000),
			JitterMax:         millis("QUEUE_JITTER_MAX_MS", 5000),
			PollInterval:      millis("QUEUE_POLL_INTERVAL_MS", 1000),
			RetainCompleted:   num("QUEUE_RETAIN_COMPLETED", 100),
			RetainFailed:      num("QUEUE_RETAIN_FAILED", 100),
			ContentMax:        num("CONTENT_MAX", 4096),
		},
		Session: SessionConfig{
			RateLimitPerMinute: num("RATE_LIMIT_PER_MINUTE", 20),
			ReconnectDelay:     seconds("SESSION_RECONNECT_DELAY_SECONDS", 30),
			SendTimeout:        seconds("SEND_TIMEOUT_SECONDS", 30),
			DefaultCountryCode: getEnv("PHONE_DEFAULT_COUNTRY_CODE", ""),
		},
		Tasks: TasksConfig{
			StatsInterval:     seconds("STATS_BROADCAST_INTERVAL_SECONDS", 5),
			RetentionInterval: seconds("RETENTION_SWEEP_INTERVAL_SECONDS", 60),
		},
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redisCfg

	logCfg, err := loadLogConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Log = logCfg

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, errors.Join(dbErr, ttlErr)
}

func loadLogConfig() (LogConfig, error) {
	cfg := LogConfig{
		Level:          slog.LevelInfo,
		WhatsmeowLevel: strings.ToUpper(getEnv("WHATSMEOW_LOG_LEVEL", "WARN")),
	}

	var errs []error
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if err := cfg.Level.UnmarshalText([]byte(raw)); err != nil {
			errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %q", raw))
		}
	}
	switch cfg.WhatsmeowLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("invalid WHATSMEOW_LOG_LEVEL: %q", cfg.WhatsmeowLevel))
	}
	return cfg, errors.Join(errs...)
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("QUEUE_WORKERS", int64(cfg.Queue.Workers))
	positive("QUEUE_MAX_ATTEMPTS", int64(cfg.Queue.MaxAttempts))
	positive("QUEUE_BACKOFF_BASE_SECONDS", int64(cfg.Queue.BackoffBase))
	positive("QUEUE_BACKOFF_MULTIPLIER", int64(cfg.Queue.BackoffMultiplier))
	positive("QUEUE_POLL_INTERVAL_MS", int64(cfg.Queue.PollInterval))
	positive("CONTENT_MAX", int64(cfg.Queue.ContentMax))
	positive("RATE_LIMIT_PER_MINUTE", int64(cfg.Session.RateLimitPerMinute))
	positive("SESSION_RECONNECT_DELAY_SECONDS", int64(cfg.Session.ReconnectDelay))
	positive("SEND_TIMEOUT_SECONDS", int64(cfg.Session.SendTimeout))
	positive("STATS_BROADCAST_INTERVAL_SECONDS", int64(cfg.Tasks.StatsInterval))
	positive("RETENTION_SWEEP_INTERVAL_SECONDS", int64(cfg.Tasks.RetentionInterval))

	if cfg.Queue.JitterMin < 0 || cfg.Queue.JitterMax < cfg.Queue.JitterMin {
		errs = append(errs, errors.New("QUEUE_JITTER_MIN_MS and QUEUE_JITTER_MAX_MS must satisfy 0 <= min <= max"))
	}
	if cfg.Queue.RetainCompleted < 0 {
		errs = append(errs, errors.New("QUEUE_RETAIN_COMPLETED must be >= 0"))
	}
	if cfg.Queue.RetainFailed < 0 {
		errs = append(errs, errors.New("QUEUE_RETAIN_FAILED must be >= 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
