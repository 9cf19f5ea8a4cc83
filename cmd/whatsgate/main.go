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

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/viniciusgn/whatsgate/internal/api"
	"github.com/viniciusgn/whatsgate/internal/batch"
	"github.com/viniciusgn/whatsgate/internal/cache"
	"github.com/viniciusgn/whatsgate/internal/client"
	"github.com/viniciusgn/whatsgate/internal/config"
	"github.com/viniciusgn/whatsgate/internal/dedup"
	"github.com/viniciusgn/whatsgate/internal/ingest"
	"github.com/viniciusgn/whatsgate/internal/media"
	"github.com/viniciusgn/whatsgate/internal/normalize"
	"github.com/viniciusgn/whatsgate/internal/repo"
	"github.com/viniciusgn/whatsgate/internal/session"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.LoadAll()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	messages := repo.NewPostgresMessageRepo(db)
	leads := repo.NewPostgresLeadRepo(db)
	sessions := repo.NewPostgresSessionRepo(db)
	mediaCache := repo.NewPostgresMediaCacheRepo(db)

	var sent cache.SentCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		sent = cache.NewRedisSentCache(rdb, cfg.Redis.TTL)
		log.Info("sent cache backed by redis", "addr", cfg.Redis.Address)
	} else {
		sent = cache.NewMemorySentCache(5 * time.Minute)
		log.Info("sent cache in memory, redis disabled")
	}

	storage, err := media.NewMinioStorage(cfg.Storage)
	if err != nil {
		return err
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		return err
	}

	queue, err := media.NewAMQPQueue(cfg.Queue.AMQPURL, cfg.Queue.MediaQueue, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	notifier := client.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, log)
	router := media.NewRouter(storage, queue, mediaCache, messages, cfg.Media.SyncLimitBytes, log)
	pipeline := ingest.NewPipeline(
		normalize.New(log),
		dedup.NewEngine(messages, log),
		router,
		messages,
		leads,
		sent,
		notifier,
		log,
	)

	transport, err := session.NewWhatsmeowTransport(ctx, cfg.Database.PostgresURL, sessions, log)
	if err != nil {
		return err
	}

	manager := session.NewManager(
		transport, sessions, notifier, pipeline,
		cfg.Session.RetryDelay, cfg.Session.MaxReconnects, log,
	)
	if err := manager.Restore(ctx); err != nil {
		log.Warn("session restore skipped", "error", err)
	}

	handler := api.NewHandler(manager, pipeline, batch.NewMutator(log), leads, sent, cfg.Webhook.Secret, log)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	log.Info("stopped")
	return nil
}
