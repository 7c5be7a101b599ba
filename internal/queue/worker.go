package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Processor is what the worker runs for each delivered message.
// Satisfied by *pipeline.Executor.
type Processor interface {
	Process(ctx context.Context, taskID string) error
}

// Server wraps the asynq worker pool.
type Server struct {
	server *asynq.Server
	log    *slog.Logger
}

type ServerConfig struct {
	Concurrency int
	Queue       string
}

func NewServer(redisOpt asynq.RedisClientOpt, cfg ServerConfig, log *slog.Logger) *Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if log == nil {
		log = slog.Default()
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
	})
	return &Server{server: srv, log: log}
}

// Run registers the pipeline handler and serves until Shutdown.
func (s *Server) Run(p Processor) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProcess, handleProcess(p))
	return s.server.Run(s.loggingMiddleware(mux))
}

func (s *Server) Shutdown() { s.server.Shutdown() }

// handleProcess adapts the executor to asynq. A returned error asks the
// broker to redeliver; the executor returns one only for infrastructure
// failures, never for stage failures it has already committed as failed.
func handleProcess(p Processor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ProcessPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("malformed payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.TaskID == "" {
			return fmt.Errorf("empty task_id: %w", asynq.SkipRetry)
		}
		return p.Process(ctx, payload.TaskID)
	}
}

func (s *Server) loggingMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		start := time.Now()
		s.log.Info("task delivered", "queue_id", id, "type", t.Type())
		err := next.ProcessTask(ctx, t)
		if err != nil {
			s.log.Error("delivery failed, broker will redeliver", "queue_id", id, "err", err, "took", time.Since(start))
		} else {
			s.log.Info("delivery settled", "queue_id", id, "took", time.Since(start))
		}
		return err
	})
}
