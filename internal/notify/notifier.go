// Package notify delivers status-change webhooks to the client-supplied
// callback URL. Delivery is at-least-once and per-task ordered: each task
// gets a FIFO drained by one goroutine, so a slow endpoint delays only its
// own task's callbacks and never blocks stage progression. Receivers must
// treat repeated (task_id, status) notifications as idempotent.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mohans/transcribeq/internal/task"
)

// Payload is the webhook body: {"task_id", "status", "result"} with result
// {} while non-terminal.
type Payload struct {
	TaskID string       `json:"task_id"`
	Status task.Status  `json:"status"`
	Result *task.Result `json:"result"`
}

// Options bound the retry policy.
type Options struct {
	Timeout     time.Duration // per-attempt request timeout
	MaxAttempts int
	BaseBackoff time.Duration // doubled after each failed attempt
}

type delivery struct {
	url     string
	payload Payload
}

// Notifier pushes transitions to webhook endpoints with bounded retry.
// Exhausted retries are logged and dropped; notifier failure never touches
// task state.
type Notifier struct {
	client *http.Client
	opts   Options
	log    *slog.Logger

	mu     sync.Mutex
	queues map[string][]delivery
	active map[string]bool
	wg     sync.WaitGroup
}

func New(opts Options, log *slog.Logger) *Notifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		log:    log,
		queues: make(map[string][]delivery),
		active: make(map[string]bool),
	}
}

// Notify queues one status notification. A blank callbackURL is a no-op.
// Returns immediately; delivery happens on the task's drain goroutine.
func (n *Notifier) Notify(callbackURL, taskID string, status task.Status, result *task.Result) {
	if callbackURL == "" {
		return
	}
	if result == nil {
		result = &task.Result{}
	}
	d := delivery{url: callbackURL, payload: Payload{TaskID: taskID, Status: status, Result: result}}

	n.mu.Lock()
	n.queues[taskID] = append(n.queues[taskID], d)
	if !n.active[taskID] {
		n.active[taskID] = true
		n.wg.Add(1)
		go n.drain(taskID)
	}
	n.mu.Unlock()
}

// Flush blocks until every queued notification is delivered or dropped.
func (n *Notifier) Flush() {
	n.wg.Wait()
}

func (n *Notifier) drain(taskID string) {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		q := n.queues[taskID]
		if len(q) == 0 {
			delete(n.queues, taskID)
			delete(n.active, taskID)
			n.mu.Unlock()
			return
		}
		d := q[0]
		n.queues[taskID] = q[1:]
		n.mu.Unlock()

		n.deliver(d)
	}
}

func (n *Notifier) deliver(d delivery) {
	body, err := json.Marshal(d.payload)
	if err != nil {
		n.log.Error("callback: marshal payload", "task_id", d.payload.TaskID, "err", err)
		return
	}
	backoff := n.opts.BaseBackoff
	for attempt := 1; attempt <= n.opts.MaxAttempts; attempt++ {
		err := n.post(d.url, body)
		if err == nil {
			return
		}
		n.log.Warn("callback attempt failed",
			"task_id", d.payload.TaskID,
			"status", d.payload.Status,
			"attempt", attempt,
			"err", err)
		if attempt == n.opts.MaxAttempts {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	n.log.Error("callback dropped after retries",
		"task_id", d.payload.TaskID,
		"status", d.payload.Status,
		"attempts", n.opts.MaxAttempts)
}

func (n *Notifier) post(url string, body []byte) error {
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}
