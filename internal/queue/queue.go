// Package queue hands tasks from the intake gateway to the worker pool
// over asynq. Delivery is at-least-once: a worker that dies mid-task loses
// its lease when the task timeout elapses and the broker redelivers. The
// payload carries only the task id; the store is the source of truth for
// everything else.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TypeProcess is the task type for the transcription pipeline.
const TypeProcess = "task:process"

// ProcessPayload is the queue message body.
type ProcessPayload struct {
	TaskID string `json:"task_id"`
}

// Options configures enqueue behavior.
type Options struct {
	Queue string
	// Lease bounds one processing attempt; on expiry the broker treats
	// the worker as dead and redelivers.
	Lease time.Duration
	// MaxRedeliveries caps broker-level retries of infrastructure
	// failures. Stage failures never come back to the broker.
	MaxRedeliveries int
}

// Client enqueues transcription work.
type Client struct {
	client *asynq.Client
	opts   Options
}

func NewClient(redisOpt asynq.RedisClientOpt, opts Options) *Client {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Minute
	}
	if opts.MaxRedeliveries <= 0 {
		opts.MaxRedeliveries = 5
	}
	return &Client{client: asynq.NewClient(redisOpt), opts: opts}
}

// Enqueue publishes a reference to the task. Using the task id as the
// broker message id suppresses duplicate enqueues of the same task.
func (c *Client) Enqueue(ctx context.Context, taskID string) error {
	if c.client == nil {
		return errors.New("nil asynq client")
	}
	payload, err := json.Marshal(ProcessPayload{TaskID: taskID})
	if err != nil {
		return err
	}
	t := asynq.NewTask(TypeProcess, payload)
	_, err = c.client.EnqueueContext(ctx, t,
		asynq.Queue(c.opts.Queue),
		asynq.TaskID(taskID),
		asynq.Timeout(c.opts.Lease),
		asynq.MaxRetry(c.opts.MaxRedeliveries),
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
