// Package pipeline drives one task through its ordered stages:
// queued -> converting -> denoising -> waiting_for_asr -> transcribing ->
// completed, with failed reachable from every non-terminal stage. The
// stored status names the stage currently being executed; a worker picking
// up a redelivered task reconciles against the store and re-performs only
// the current stage, never earlier ones. Every committed transition is
// guarded by the store's compare-and-swap, so of two racing workers exactly
// one advances and the loser stops silently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mohans/transcribeq/internal/asr"
	"github.com/mohans/transcribeq/internal/media"
	"github.com/mohans/transcribeq/internal/store"
	"github.com/mohans/transcribeq/internal/task"
)

// MediaProcessor converts and denoises audio. Satisfied by *media.FFmpeg.
type MediaProcessor interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
	Denoise(ctx context.Context, inputPath, outputPath string) error
}

// ReadinessProber blocks until the ASR backend is ready or the probe
// budget is exhausted. Satisfied by *asr.Prober.
type ReadinessProber interface {
	WaitReady(ctx context.Context) error
}

// Notifier pushes committed transitions to the task's webhook.
// Satisfied by *notify.Notifier.
type Notifier interface {
	Notify(callbackURL, taskID string, status task.Status, result *task.Result)
}

// Executor runs the stage sequence for tasks handed to it by the queue.
type Executor struct {
	store    store.Store
	media    MediaProcessor
	backend  asr.Backend
	prober   ReadinessProber
	notifier Notifier
	log      *slog.Logger
}

func NewExecutor(st store.Store, mp MediaProcessor, backend asr.Backend, prober ReadinessProber, n Notifier, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{store: st, media: mp, backend: backend, prober: prober, notifier: n, log: log}
}

// Process drives the task to a terminal state, resuming from whatever
// stage the store records. A nil return means the delivery is settled
// (terminal state reached, or another owner is ahead); a non-nil return
// signals an infrastructure error and asks the broker to redeliver.
func (e *Executor) Process(ctx context.Context, taskID string) error {
	t, err := e.store.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		// Swept by retention or rolled back at intake; nothing to resume.
		e.log.Warn("task gone from store", "task_id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Terminal(t.Status) {
		e.log.Info("task already terminal", "task_id", taskID, "status", t.Status)
		return nil
	}
	if t.Status == task.StatusQueued {
		e.notifier.Notify(t.CallbackURL, t.ID, task.StatusQueued, nil)
	} else {
		e.log.Info("resuming redelivered task", "task_id", taskID, "status", t.Status)
	}

	for t != nil && !task.Terminal(t.Status) {
		t, err = e.step(ctx, t)
		if err != nil {
			return err
		}
	}
	return nil
}

// step executes the stage named by t.Status and commits the transition out
// of it. Returns (nil, nil) when ownership was lost to another worker.
func (e *Executor) step(ctx context.Context, t *task.Task) (*task.Task, error) {
	converted := media.ConvertedPath(t.UploadPath)
	denoised := media.DenoisedPath(t.UploadPath)

	switch t.Status {
	case task.StatusQueued:
		return e.advance(ctx, t, task.StatusConverting, nil)

	case task.StatusConverting:
		if err := e.media.Convert(ctx, t.UploadPath, converted); err != nil {
			return e.fail(ctx, t, fmt.Errorf("converting: %w", err))
		}
		return e.advance(ctx, t, task.StatusDenoising, nil)

	case task.StatusDenoising:
		if err := e.media.Denoise(ctx, converted, denoised); err != nil {
			return e.fail(ctx, t, fmt.Errorf("denoising: %w", err))
		}
		// The canonical intermediate is no longer needed.
		if err := os.Remove(converted); err != nil && !os.IsNotExist(err) {
			e.log.Warn("remove converted artifact", "task_id", t.ID, "err", err)
		}
		return e.advance(ctx, t, task.StatusWaitingForASR, nil)

	case task.StatusWaitingForASR:
		if err := e.prober.WaitReady(ctx); err != nil {
			return e.fail(ctx, t, fmt.Errorf("waiting_for_asr: %w", err))
		}
		return e.advance(ctx, t, task.StatusTranscribing, nil)

	case task.StatusTranscribing:
		tr, err := e.backend.Transcribe(ctx, denoised)
		if err != nil {
			return e.fail(ctx, t, fmt.Errorf("transcribing: %w", err))
		}
		result := &task.Result{
			Transcription: tr.FullText,
			Segments:      tr.Segments,
			Language:      tr.Language,
		}
		return e.advance(ctx, t, task.StatusCompleted, result)

	default:
		return nil, fmt.Errorf("unexpected status %q for task %s", t.Status, t.ID)
	}
}

// advance commits t.Status -> to and forwards the notification. A CAS
// conflict means another worker owns the task now; stop without error.
func (e *Executor) advance(ctx context.Context, t *task.Task, to task.Status, result *task.Result) (*task.Task, error) {
	updated, err := e.store.Transition(ctx, t.ID, t.Status, to, result)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		e.log.Info("lost task ownership, backing off", "task_id", t.ID, "from", t.Status, "to", to)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commit %s -> %s: %w", t.Status, to, err)
	}
	e.notifier.Notify(t.CallbackURL, t.ID, to, result)
	if task.Terminal(to) {
		e.cleanup(t)
	}
	return updated, nil
}

// fail commits the terminal failed state with a human-readable error.
// Stage failures are not retried; the task is settled here.
func (e *Executor) fail(ctx context.Context, t *task.Task, cause error) (*task.Task, error) {
	e.log.Error("stage failed", "task_id", t.ID, "stage", t.Status, "err", cause)
	return e.advance(ctx, t, task.StatusFailed, &task.Result{Error: cause.Error()})
}

func (e *Executor) cleanup(t *task.Task) {
	if err := media.RemoveArtifacts(t.UploadPath); err != nil {
		e.log.Warn("remove artifacts", "task_id", t.ID, "err", err)
	}
}
