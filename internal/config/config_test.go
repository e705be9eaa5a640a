package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

func TestLoadAll_HappyPath_NoRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != "postgres://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected PostgresURL: %q", cfg.Database.PostgresURL)
	}
	if cfg.Server.APIKey != "s3cret" {
		t.Fatalf("unexpected Server.APIKey: %q", cfg.Server.APIKey)
	}
	if cfg.Webhook.URL != "" {
		t.Fatalf("expected webhook disabled by default, got %q", cfg.Webhook.URL)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Queue.ContentMax != 4096 {
		t.Fatalf("unexpected ContentMax default: %d", cfg.Queue.ContentMax)
	}
	if cfg.Queue.Workers != 2 || cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.BackoffBase != 5*time.Second || cfg.Queue.BackoffMultiplier != 2 {
		t.Fatalf("unexpected backoff defaults: %v x%v", cfg.Queue.BackoffBase, cfg.Queue.BackoffMultiplier)
	}
	if cfg.Queue.JitterMin != 2*time.Second || cfg.Queue.JitterMax != 5*time.Second {
		t.Fatalf("unexpected jitter defaults: %v-%v", cfg.Queue.JitterMin, cfg.Queue.JitterMax)
	}
	if cfg.Queue.RetainCompleted != 100 || cfg.Queue.RetainFailed != 100 {
		t.Fatalf("unexpected retention defaults: %+v", cfg.Queue)
	}
	if cfg.Session.RateLimitPerMinute != 20 {
		t.Fatalf("unexpected rate limit default: %d", cfg.Session.RateLimitPerMinute)
	}
	if cfg.Session.ReconnectDelay != 30*time.Second || cfg.Session.SendTimeout != 30*time.Second {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Tasks.StatsInterval != 5*time.Second || cfg.Tasks.RetentionInterval != time.Minute {
		t.Fatalf("unexpected task intervals: %+v", cfg.Tasks)
	}
	if cfg.Log.Level != slog.LevelInfo || cfg.Log.WhatsmeowLevel != "WARN" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}

	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
}

func TestLoadAll_HappyPath_WithRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	setRequired(t)

	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TTL_SECONDS", "42")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if !cfg.Redis.Enabled {
		t.Fatalf("expected Redis enabled")
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Fatalf("unexpected Redis.Address: %q", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected Redis.Password: %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected Redis.DB: %d", cfg.Redis.DB)
	}
	if cfg.Redis.TTL != 42*time.Second {
		t.Fatalf("unexpected Redis.TTL: %v", cfg.Redis.TTL)
	}
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	t.Run("missing POSTGRES_URL", func(t *testing.T) {
		t.Setenv("API_KEY", "s3cret")

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "POSTGRES_URL") {
			t.Fatalf("expected error mentioning POSTGRES_URL, got: %v", err)
		}
	})

	t.Run("missing API_KEY", func(t *testing.T) {
		clearTestEnv(t)

		t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "API_KEY") {
			t.Fatalf("expected error mentioning API_KEY, got: %v", err)
		}
	})

	t.Run("all problems reported together", func(t *testing.T) {
		clearTestEnv(t)

		t.Setenv("QUEUE_WORKERS", "many")

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		for _, key := range []string{"API_KEY", "POSTGRES_URL", "QUEUE_WORKERS"} {
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error mentioning %s, got: %v", key, err)
			}
		}
	})
}

func TestLoadAll_InvalidInts(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	setRequired(t)

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid CONTENT_MAX", "CONTENT_MAX", "abc"},
		{"invalid QUEUE_JITTER_MIN_MS", "QUEUE_JITTER_MIN_MS", "nope"},
		{"invalid RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_PER_MINUTE", "x"},
		{"invalid LOG_LEVEL", "LOG_LEVEL", "loud"},
		{"invalid WHATSMEOW_LOG_LEVEL", "WHATSMEOW_LOG_LEVEL", "TRACE"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"invalid REDIS_TTL_SECONDS", "REDIS_TTL_SECONDS", "bad"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)

			setRequired(t)

			// Enable redis only for redis-related invalid ints.
			if strings.HasPrefix(tc.key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}

			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	setRequired(t)

	cases := []struct {
		name string
		set  func()
		want string
	}{
		{
			name: "workers <= 0",
			set: func() {
				t.Setenv("QUEUE_WORKERS", "0")
			},
			want: "QUEUE_WORKERS",
		},
		{
			name: "stats interval <= 0",
			set: func() {
				t.Setenv("STATS_BROADCAST_INTERVAL_SECONDS", "0")
			},
			want: "STATS_BROADCAST_INTERVAL_SECONDS",
		},
		{
			name: "jitter min above max",
			set: func() {
				t.Setenv("QUEUE_JITTER_MIN_MS", "6000")
			},
			want: "QUEUE_JITTER_MAX_MS",
		},
		{
			name: "content max <= 0",
			set: func() {
				t.Setenv("CONTENT_MAX", "0")
			},
			want: "CONTENT_MAX",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)

			setRequired(t)
			tc.set()

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestRequireEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := requireEnv("MISSING_KEY")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	t.Setenv("FOO", "bar")
	v, err := requireEnv("FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "bar" {
		t.Fatalf("expected %q, got %q", "bar", v)
	}
}

func TestGetEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got := getEnv("NOPE", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	t.Setenv("A", "x")
	if got := getEnv("A", "default"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvInt("MISSING", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}

	t.Setenv("N", "123")
	got, err = getEnvInt("N", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}

	t.Setenv("BAD", "abc")
	_, err = getEnvInt("BAD", 7)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("API_KEY", "s3cret")
	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"API_KEY",
		"POSTGRES_URL",
		"WEBHOOK_URL",
		"CONTENT_MAX",
		"QUEUE_WORKERS",
		"QUEUE_MAX_ATTEMPTS",
		"QUEUE_BACKOFF_BASE_SECONDS",
		"QUEUE_BACKOFF_MULTIPLIER",
		"QUEUE_JITTER_MIN_MS",
		"QUEUE_JITTER_MAX_MS",
		"QUEUE_POLL_INTERVAL_MS",
		"QUEUE_RETAIN_COMPLETED",
		"QUEUE_RETAIN_FAILED",
		"RATE_LIMIT_PER_MINUTE",
		"SESSION_RECONNECT_DELAY_SECONDS",
		"SEND_TIMEOUT_SECONDS",
		"STATS_BROADCAST_INTERVAL_SECONDS",
		"RETENTION_SWEEP_INTERVAL_SECONDS",
		"PHONE_DEFAULT_COUNTRY_CODE",
		"LOG_LEVEL",
		"WHATSMEOW_LOG_LEVEL",
		"SERVER_ADDRESS",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_TTL_SECONDS",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
