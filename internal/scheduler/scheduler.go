// internal/scheduler/scheduler.go

// Package scheduler drives periodic polling of the message-list service:
// a fixed interval plus one immediate run at startup, debounced manual
// refresh, and a monotonic generation counter that lets completion handlers
// discard responses superseded by a newer request.
package scheduler

import (
	"context"
	"time"

	"crm-message-sync/internal/common/errors"
	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/common/observability"
	"crm-message-sync/internal/ingest"
)

// Fetcher is the poll side of the message-list collaborator.
type Fetcher interface {
	FetchMessages(ctx context.Context, since string, limit int) (*ingest.PollResponse, error)
}

// Config carries the scheduler tunables; all explicit, no hidden globals.
type Config struct {
	Interval  time.Duration // full-sync cadence (default 60s)
	Debounce  time.Duration // min gap between any two full syncs (default 10s)
	Timeout   time.Duration // per-request bound (default 10s)
	PageLimit int
}

// Scheduler state (generation, lastStarted) is only touched on the session
// event loop; fetches run in their own goroutines and post completions back
// through the post func.
type Scheduler struct {
	cfg     Config
	fetcher Fetcher
	post    func(func()) bool
	cursor  func() string
	apply   func(*ingest.PollResponse)
	log     logger.Logger
	obs     *observability.Observability

	generation  int64
	lastStarted time.Time
	now         func() time.Time
}

func New(cfg Config, fetcher Fetcher, post func(func()) bool, cursor func() string,
	apply func(*ingest.PollResponse), log logger.Logger, obs *observability.Observability) *Scheduler {

	return &Scheduler{
		cfg:     cfg,
		fetcher: fetcher,
		post:    post,
		cursor:  cursor,
		apply:   apply,
		log:     log.WithFields(map[string]interface{}{"component": "scheduler"}),
		obs:     obs,
		now:     time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run ticks until ctx is done. Each tick posts a sync attempt onto the event
// loop; the first runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.post(func() { s.StartSync(ctx) })

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.post(func() { s.StartSync(ctx) })
		}
	}
}

// ForceRefresh requests an out-of-band sync (user pulled to refresh); the
// debounce in StartSync keeps two full syncs at least Debounce apart.
func (s *Scheduler) ForceRefresh(ctx context.Context) {
	s.post(func() { s.StartSync(ctx) })
}

// StartSync launches one poll cycle. Must be called on the event loop.
func (s *Scheduler) StartSync(ctx context.Context) {
	now := s.now()
	if !s.lastStarted.IsZero() && now.Sub(s.lastStarted) < s.cfg.Debounce {
		s.log.Debug("sync debounced", map[string]interface{}{
			"sinceLast": now.Sub(s.lastStarted).String(),
		})
		return
	}
	s.lastStarted = now

	s.generation++
	gen := s.generation
	since := s.cursor()

	go s.fetch(ctx, gen, since)
}

func (s *Scheduler) fetch(ctx context.Context, gen int64, since string) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.fetcher.FetchMessages(fctx, since, s.cfg.PageLimit)
	elapsed := time.Since(started)

	s.post(func() {
		if gen != s.generation {
			// A newer request superseded this one; drop the response
			// unapplied regardless of success.
			s.obs.RecordStaleResponse(ctx)
			s.log.Info("discarding stale poll response", map[string]interface{}{
				"error": errors.NewStaleResponseError(gen, s.generation).Error(),
			})
			return
		}
		if err != nil {
			// Timeouts are abandoned, not retried immediately; the next
			// scheduled tick retries naturally.
			s.obs.RecordPollCycle(ctx, "error", elapsed)
			s.log.Warn("poll failed", map[string]interface{}{
				"error": err.Error(),
				"since": since,
			})
			return
		}
		s.apply(resp)
		s.obs.RecordPollCycle(ctx, "ok", elapsed)
	})
}

// Generation exposes the current generation counter (tests and diagnostics).
func (s *Scheduler) Generation() int64 {
	return s.generation
}
