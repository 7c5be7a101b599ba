// Package retention expires terminal tasks after a configured TTL, the Go
// counterpart of the original deployment's per-key expiry. Non-terminal
// tasks are never touched: a task stays visible while callbacks or polling
// may still reference it.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mohans/transcribeq/internal/store"
)

// Sweeper periodically deletes completed and failed tasks older than TTL.
type Sweeper struct {
	store store.Store
	ttl   time.Duration
	log   *slog.Logger
	cron  *cron.Cron
}

func NewSweeper(st store.Store, ttl time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: st, ttl: ttl, log: log}
}

// Start schedules the sweep at the given interval and returns immediately.
func (s *Sweeper) Start(interval time.Duration) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep removes terminal tasks last updated before now-TTL.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("retention sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("retention sweep", "expired", n, "cutoff", cutoff)
	}
}
