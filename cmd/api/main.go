// The api binary runs the intake gateway: it accepts uploads, creates
// tasks, enqueues them for the worker pool, and serves status polling.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "modernc.org/sqlite"

	"github.com/mohans/transcribeq/internal/api"
	"github.com/mohans/transcribeq/internal/config"
	"github.com/mohans/transcribeq/internal/queue"
	"github.com/mohans/transcribeq/internal/store"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Error("create upload dir", "dir", cfg.UploadDir, "err", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", cfg.StoreDSN)
	if err != nil {
		log.Error("open store", "dsn", cfg.StoreDSN, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewSQLStore(db)
	if err := st.Init(context.Background()); err != nil {
		log.Error("init store schema", "err", err)
		os.Exit(1)
	}
	cache := store.NewCache(st, cfg.StatusCacheSize, cfg.StatusCacheTTL)

	client := queue.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, queue.Options{
		Queue: cfg.Queue,
		Lease: cfg.TaskTimeout,
	})
	defer client.Close()

	srv := api.NewServer(st, cache, client, cfg.UploadDir, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("intake gateway listening", "addr", cfg.HTTPAddr)
		if err := srv.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		log.Error("http server", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown", "err", err)
	}
	log.Info("intake gateway stopped")
}
