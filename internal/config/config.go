// Package config loads process configuration from environment variables
// into one explicit value constructed at startup and passed to components.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend kinds selectable via ASR_BACKEND.
const (
	BackendWhisper = "whisper"
	BackendQwen    = "qwen"
)

// Config holds all environment-derived settings for both binaries.
type Config struct {
	// Infrastructure endpoints.
	RedisAddr string
	Queue     string
	StoreDSN  string
	UploadDir string
	HTTPAddr  string

	// ASR backend.
	ASRURL            string
	ASRBackend        string // whisper | qwen
	ASRModelSize      string
	ASRLanguage       string
	ASRBeamSize       int
	ASRChunkSeconds   int
	ASRHealthTimeout  time.Duration
	ASRHealthInterval time.Duration

	// Callback delivery.
	CallbackTimeout     time.Duration
	CallbackMaxAttempts int
	CallbackBaseBackoff time.Duration

	// Worker pool.
	WorkerConcurrency int
	TaskTimeout       time.Duration

	// Retention and polling cache.
	TaskRetention   time.Duration
	StatusCacheTTL  time.Duration
	StatusCacheSize int
}

// Load reads every setting, applying defaults for unset variables.
// It fails on unparsable values rather than silently falling back.
func Load() (*Config, error) {
	cfg := &Config{
		RedisAddr:  getenv("REDIS_ADDR", "localhost:6379"),
		Queue:      getenv("REDIS_QUEUE", "audio_tasks"),
		StoreDSN:   getenv("STORE_DSN", "file:transcribeq.db"),
		UploadDir:  getenv("UPLOAD_DIR", "./uploads"),
		HTTPAddr:   getenv("HTTP_ADDR", ":8000"),
		ASRURL:     getenv("ASR_URL", "http://asr:8001"),
		ASRBackend: getenv("ASR_BACKEND", BackendWhisper),

		ASRModelSize: getenv("ASR_MODEL_SIZE", "small"),
		ASRLanguage:  getenv("ASR_LANGUAGE", "ru"),
	}
	if cfg.ASRBackend != BackendWhisper && cfg.ASRBackend != BackendQwen {
		return nil, fmt.Errorf("ASR_BACKEND: unknown backend %q", cfg.ASRBackend)
	}

	var err error
	if cfg.ASRBeamSize, err = getenvInt("ASR_BEAM_SIZE", 5); err != nil {
		return nil, err
	}
	if cfg.ASRChunkSeconds, err = getenvInt("ASR_CHUNK_S", 30); err != nil {
		return nil, err
	}
	if cfg.ASRHealthTimeout, err = getenvDuration("ASR_HEALTH_TIMEOUT", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ASRHealthInterval, err = getenvDuration("ASR_HEALTH_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CallbackTimeout, err = getenvDuration("CALLBACK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.CallbackMaxAttempts, err = getenvInt("CALLBACK_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.CallbackBaseBackoff, err = getenvDuration("CALLBACK_BASE_BACKOFF", time.Second); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = getenvInt("WORKER_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.TaskTimeout, err = getenvDuration("TASK_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TaskRetention, err = getenvDuration("TASK_RETENTION", time.Hour); err != nil {
		return nil, err
	}
	if cfg.StatusCacheTTL, err = getenvDuration("STATUS_CACHE_TTL", 4*time.Second); err != nil {
		return nil, err
	}
	if cfg.StatusCacheSize, err = getenvInt("STATUS_CACHE_SIZE", 256); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// getenvDuration accepts Go duration strings ("90s", "15m") and, for
// compatibility with the older deployment env files, bare integer seconds.
func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
