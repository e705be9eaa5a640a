package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/whatsapp-gateway/internal/api"
	"github.com/LeventeLantos/whatsapp-gateway/internal/cache"
	"github.com/LeventeLantos/whatsapp-gateway/internal/client"
	"github.com/LeventeLantos/whatsapp-gateway/internal/config"
	"github.com/LeventeLantos/whatsapp-gateway/internal/events"
	"github.com/LeventeLantos/whatsapp-gateway/internal/metrics"
	"github.com/LeventeLantos/whatsapp-gateway/internal/phone"
	"github.com/LeventeLantos/whatsapp-gateway/internal/provider/wa"
	"github.com/LeventeLantos/whatsapp-gateway/internal/queue"
	"github.com/LeventeLantos/whatsapp-gateway/internal/ratelimit"
	"github.com/LeventeLantos/whatsapp-gateway/internal/repo"
	"github.com/LeventeLantos/whatsapp-gateway/internal/scheduler"
	"github.com/LeventeLantos/whatsapp-gateway/internal/service"
	"github.com/LeventeLantos/whatsapp-gateway/internal/session"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.Level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("gateway stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("whatsapp gateway starting",
		"addr", cfg.Server.Address,
		"workers", cfg.Queue.Workers,
		"redis", cfg.Redis.Enabled,
		"webhook", cfg.Webhook.URL != "",
	)

	if err := repo.Migrate(cfg.Database.PostgresURL); err != nil {
		return err
	}
	db, err := repo.Open(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer closeDB(db)

	receipts, closeCache := openCache(ctx, cfg.Redis)
	defer closeCache()

	hub := events.NewHub(64)
	m := metrics.New()

	opts := []queue.Option{queue.WithObserver(m)}
	if cfg.Webhook.URL != "" {
		opts = append(opts, queue.WithNotifier(client.NewWebhookClient(cfg.Webhook.URL)))
	}
	q, err := queue.New(repo.NewPostgresJobStore(db), queue.Config{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.BackoffBase,
			Multiplier:  cfg.Queue.BackoffMultiplier,
		},
		Jitter: queue.JitterPolicy{
			Min: cfg.Queue.JitterMin,
			Max: cfg.Queue.JitterMax,
		},
		RetainCompleted: cfg.Queue.RetainCompleted,
		RetainFailed:    cfg.Queue.RetainFailed,
	}, opts...)
	if err != nil {
		return err
	}

	sessionStore := repo.NewPostgresSessionStore(db)
	provider, err := wa.New(ctx, cfg.Database.PostgresURL, sessionStore, cfg.Log.WhatsmeowLevel)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			slog.Warn("closing whatsmeow store failed", "err", err)
		}
	}()

	manager, err := session.NewManager(
		provider,
		sessionStore,
		q,
		ratelimit.New(cfg.Session.RateLimitPerMinute),
		session.Config{
			ReconnectDelay: cfg.Session.ReconnectDelay,
			SendTimeout:    cfg.Session.SendTimeout,
		},
		session.WithPhoneNormalizer(phone.NewNormalizer(cfg.Session.DefaultCountryCode)),
	)
	if err != nil {
		return err
	}
	manager.OnChange(func(list []session.Info) {
		m.ObserveSessions(list)
		hub.Publish(events.SessionsStatus, list)
	})

	dispatcher := service.NewDispatcher(manager, cfg.Queue.ContentMax).
		WithReceipts(receipts).
		WithHooks(func(_ context.Context, total int64) {
			hub.Publish(events.MessagesSent, events.SentCount{Total: total})
		})

	if err := manager.Restore(ctx); err != nil {
		return err
	}
	defer manager.Shutdown()

	if err := q.Start(ctx, dispatcher.Handle); err != nil {
		return err
	}
	defer q.Stop()

	stats, err := scheduler.New("stats", cfg.Tasks.StatsInterval, func(ctx context.Context) {
		st, err := q.Stats(ctx)
		if err != nil {
			slog.Error("collecting queue stats failed", "err", err)
			return
		}
		hub.Publish(events.QueueStats, st)
	})
	if err != nil {
		return err
	}
	retention, err := scheduler.New("retention", cfg.Tasks.RetentionInterval, func(ctx context.Context) {
		if err := q.Prune(ctx); err != nil {
			slog.Error("retention sweep failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	stats.Start(ctx)
	defer stats.Stop()
	retention.Start(ctx)
	defer retention.Stop()

	auth, err := api.NewAPIKeyAuthenticator(cfg.Server.APIKey)
	if err != nil {
		return err
	}
	handler := api.NewHandler(manager, q, receipts, hub)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(handler, auth, m.Handler())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openCache returns the Redis-backed receipt cache when configured and the
// in-process one otherwise.
func openCache(ctx context.Context, cfg config.RedisConfig) (cache.ReceiptCache, func()) {
	if !cfg.Enabled {
		return cache.NewMemoryCache(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, using in-memory receipts", "addr", cfg.Address, "err", err)
		_ = rdb.Close()
		return cache.NewMemoryCache(), func() {}
	}

	return cache.NewRedisCache(rdb, cfg.TTL), func() { _ = rdb.Close() }
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("closing database failed", "err", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
