package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/metrics"
)

const sweepBatch = 500

// Report summarizes one sweep.
type Report struct {
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
	Overdue  int `json:"overdue"`
	Stuck    int `json:"stuck"` // failed permanently, waiting for an operator
}

// Sweeper periodically replays reconciliation markers.
type Sweeper struct {
	coord      *Coordinator
	interval   time.Duration
	alertAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	running    atomic.Bool
	now        func() time.Time
}

func NewSweeper(coord *Coordinator, interval, alertAfter time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if alertAfter <= 0 {
		alertAfter = 15 * time.Minute
	}
	return &Sweeper{
		coord:      coord,
		interval:   interval,
		alertAfter: alertAfter,
		logger:     logger,
		stop:       make(chan struct{}),
		now:        time.Now,
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx ends or Stop is called. Call in a
// goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop ends the loop started by Start. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Warn("reconciliation sweep failed", "error", err)
	}
}

// RunOnce persists markers held in memory, then replays every unresolved
// marker once.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	rep := &Report{}
	store := s.coord.store

	for _, r := range s.coord.fallback.drain() {
		if _, err := s.coord.Replay(ctx, r); err == nil {
			rep.Resolved++
			metrics.ReconciliationsResolvedTotal.Inc()
			s.logger.Info("in-memory reconciliation replayed", "reconciliation_id", r.ID, "tx_digest", r.ChainTxDigest)
			continue
		}
		if err := store.CreateReconciliation(ctx, r); err != nil {
			s.coord.fallback.push(r)
			rep.Failed++
			s.logger.Error("reconciliation marker still not persisted", "reconciliation_id", r.ID, "error", err)
		}
	}

	markers, err := store.ListReconciliations(ctx, true, sweepBatch)
	if err != nil {
		s.updateGauges(rep)
		return rep, fmt.Errorf("list reconciliations: %w", err)
	}

	for _, r := range markers {
		if r.FailedAt != nil {
			rep.Stuck++
			continue
		}
		now := s.now().UTC()
		_, err := s.coord.Replay(ctx, r)
		r.UpdatedAt = now
		switch {
		case err == nil:
			r.ResolvedAt = &now
			rep.Resolved++
			metrics.ReconciliationsResolvedTotal.Inc()
			s.logger.Info("reconciliation resolved", "reconciliation_id", r.ID, "offer_id", r.OfferID, "tx_digest", r.ChainTxDigest)
		case permanent(err):
			r.Attempts++
			r.LastError = err.Error()
			r.FailedAt = &now
			rep.Failed++
			rep.Stuck++
			s.logger.Error("ALERT: reconciliation cannot be replayed, operator action required",
				"reconciliation_id", r.ID, "offer_id", r.OfferID, "listing_id", r.ListingID,
				"tx_digest", r.ChainTxDigest, "attempts", r.Attempts, "error", err)
		default:
			r.Attempts++
			r.LastError = err.Error()
			rep.Failed++
			rep.Pending++
			if now.Sub(r.CreatedAt) > s.alertAfter {
				rep.Overdue++
				s.logger.Error("ALERT: confirmed transfer still not reconciled",
					"reconciliation_id", r.ID, "offer_id", r.OfferID, "tx_digest", r.ChainTxDigest,
					"age", now.Sub(r.CreatedAt).Round(time.Second).String(), "attempts", r.Attempts, "error", err)
			}
		}
		if uerr := store.UpdateReconciliation(ctx, r); uerr != nil {
			s.logger.Warn("failed to update reconciliation", "reconciliation_id", r.ID, "error", uerr)
		}
	}

	rep.Pending += s.coord.fallback.len()
	s.updateGauges(rep)
	return rep, nil
}

// permanent reports whether a replay failure is a domain outcome, such as
// the offer or listing having moved on, rather than an outage.
func permanent(err error) bool {
	return apperr.KindOf(err) != "" && !apperr.IsRetryable(err)
}

func (s *Sweeper) updateGauges(rep *Report) {
	metrics.ReconciliationsPending.Set(float64(rep.Pending))
	metrics.ReconciliationsOverdue.Set(float64(rep.Overdue))
	metrics.ReconciliationsStuck.Set(float64(rep.Stuck))
}

// Retry clears a marker's failed state so the next sweep replays it.
func (s *Sweeper) Retry(ctx context.Context, id string) (*Reconciliation, error) {
	store := s.coord.store
	r, err := store.GetReconciliation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.ResolvedAt != nil {
		return nil, ErrReconciliationResolved
	}
	r.FailedAt = nil
	r.UpdatedAt = s.now().UTC()
	if err := store.UpdateReconciliation(ctx, r); err != nil {
		return nil, fmt.Errorf("update reconciliation: %w", err)
	}
	s.logger.Info("reconciliation re-armed", "reconciliation_id", r.ID, "offer_id", r.OfferID)
	return r, nil
}

// Pending lists unresolved markers, or all markers when all is set.
func (s *Sweeper) Pending(ctx context.Context, all bool, limit int) ([]*Reconciliation, error) {
	return s.coord.store.ListReconciliations(ctx, !all, limit)
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}
