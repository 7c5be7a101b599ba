package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnavailable is reported when the backend never became healthy within
// the probe budget. The pipeline turns it into a failed task.
var ErrUnavailable = errors.New("asr backend unavailable")

// Prober polls a backend's health signal at a fixed interval up to a total
// timeout. It blocks only the calling goroutine.
type Prober struct {
	backend  Backend
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewProber(backend Backend, interval, timeout time.Duration, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{backend: backend, interval: interval, timeout: timeout, log: log}
}

// WaitReady returns nil once the backend reports ready. It gives up with
// ErrUnavailable when the timeout elapses, and aborts early when the
// backend reports a hard model-load failure.
func (p *Prober) WaitReady(ctx context.Context) error {
	deadline := time.Now().Add(p.timeout)
	attempt := 0
	for {
		attempt++
		err := p.backend.Health(ctx)
		if err == nil {
			p.log.Debug("asr ready", "attempts", attempt)
			return nil
		}
		if errors.Is(err, ErrModelFailed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: not healthy within %s", ErrUnavailable, p.timeout)
		}
		p.log.Debug("asr not ready", "attempt", attempt, "err", err)

		wait := p.interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
