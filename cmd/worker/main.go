// The worker binary consumes the task queue and drives each task through
// the transcription pipeline.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	_ "modernc.org/sqlite"

	"github.com/mohans/transcribeq/internal/asr"
	"github.com/mohans/transcribeq/internal/config"
	"github.com/mohans/transcribeq/internal/media"
	"github.com/mohans/transcribeq/internal/notify"
	"github.com/mohans/transcribeq/internal/pipeline"
	"github.com/mohans/transcribeq/internal/queue"
	"github.com/mohans/transcribeq/internal/retention"
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

	ffmpeg := media.NewFFmpeg()
	backend := buildBackend(cfg, ffmpeg)
	prober := asr.NewProber(backend, cfg.ASRHealthInterval, cfg.ASRHealthTimeout, log)
	notifier := notify.New(notify.Options{
		Timeout:     cfg.CallbackTimeout,
		MaxAttempts: cfg.CallbackMaxAttempts,
		BaseBackoff: cfg.CallbackBaseBackoff,
	}, log)
	executor := pipeline.NewExecutor(st, ffmpeg, backend, prober, notifier, log)

	sweeper := retention.NewSweeper(st, cfg.TaskRetention, log)
	if err := sweeper.Start(cfg.TaskRetention / 4); err != nil {
		log.Error("start retention sweeper", "err", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	srv := queue.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, queue.ServerConfig{
		Concurrency: cfg.WorkerConcurrency,
		Queue:       cfg.Queue,
	}, log)

	log.Info("worker starting",
		"queue", cfg.Queue,
		"concurrency", cfg.WorkerConcurrency,
		"asr_backend", cfg.ASRBackend,
		"asr_url", cfg.ASRURL)
	// Run blocks until SIGINT/SIGTERM and drains in-flight tasks.
	if err := srv.Run(executor); err != nil {
		log.Error("worker server", "err", err)
		os.Exit(1)
	}
	notifier.Flush()
	log.Info("worker stopped")
}

func buildBackend(cfg *config.Config, ffmpeg *media.FFmpeg) asr.Backend {
	switch cfg.ASRBackend {
	case config.BackendQwen:
		return asr.NewQwen(cfg.ASRURL, ffmpeg, asr.QwenOptions{
			ModelID:      cfg.ASRModelSize,
			Language:     cfg.ASRLanguage,
			ChunkSeconds: cfg.ASRChunkSeconds,
			Timeout:      cfg.TaskTimeout,
		})
	default:
		return asr.NewWhisper(cfg.ASRURL, asr.WhisperOptions{
			ModelSize: cfg.ASRModelSize,
			Language:  cfg.ASRLanguage,
			BeamSize:  cfg.ASRBeamSize,
			Timeout:   cfg.TaskTimeout,
		})
	}
}
