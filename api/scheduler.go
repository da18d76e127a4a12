/*
scheduler.go - Background jobs for the wallet ledger

PURPOSE:
  Runs three periodic jobs next to the HTTP server:

    webhook retry    topup.RetryDue: replay queued webhooks whose backoff elapsed
    reconciliation   ledger.ReconcileAll: log, audit and gauge drifted wallets
    pending expiry   ledger.ExpireStale: fail abandoned top-up reservations

DESIGN:
  - One goroutine per job, each with its own ticker
  - Each job runs once immediately on start
  - A failing run is logged; the next tick tries again
  - Repair is never automatic. Drift is surfaced for an admin to act on.

CONFIGURATION:
  - RetryInterval:     default 30s
  - ReconcileInterval: default 1h
  - PendingTTL:        default 24h (expiry runs every PendingTTL/24, min 1m)
  - Enabled:           whether Run starts any job

USAGE:
  s := NewScheduler(ledgerSvc, topupSvc, m)
  g.Go(func() error { return s.Run(ctx) })

SEE ALSO:
  - admin.go: Manual reconcile/repair endpoints
  - ledger/reconcile.go: ReconcileAll, ExpireStale
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/metrics"
	"github.com/warp/wallet-ledger/topup"
)

const retryBatch = 50

// Scheduler runs the ledger's maintenance jobs.
type Scheduler struct {
	Ledger  *ledger.Service
	TopUp   *topup.Service
	Metrics *metrics.Metrics
	Log     *zap.Logger

	RetryInterval     time.Duration
	ReconcileInterval time.Duration
	PendingTTL        time.Duration
	Enabled           bool
}

func NewScheduler(l *ledger.Service, tu *topup.Service, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		Ledger:            l,
		TopUp:             tu,
		Metrics:           m,
		Log:               l.Log,
		RetryInterval:     30 * time.Second,
		ReconcileInterval: time.Hour,
		PendingTTL:        24 * time.Hour,
		Enabled:           true,
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.Enabled {
		s.Log.Info("scheduler disabled, not starting")
		return nil
	}
	s.Log.Info("scheduler started",
		zap.Duration("retry_interval", s.RetryInterval),
		zap.Duration("reconcile_interval", s.ReconcileInterval),
		zap.Duration("pending_ttl", s.PendingTTL))

	var wg sync.WaitGroup
	for _, j := range []struct {
		every time.Duration
		run   func(context.Context)
	}{
		{s.RetryInterval, s.RetryWebhooks},
		{s.ReconcileInterval, s.Reconcile},
		{s.expiryInterval(), s.ExpirePending},
	} {
		wg.Add(1)
		go func(every time.Duration, run func(context.Context)) {
			defer wg.Done()
			s.loop(ctx, every, run)
		}(j.every, j.run)
	}
	wg.Wait()
	s.Log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, run func(context.Context)) {
	// Run immediately on start
	run(ctx)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			run(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) expiryInterval() time.Duration {
	d := s.PendingTTL / 24
	if d < time.Minute {
		return time.Minute
	}
	return d
}

// RunNow runs every job once, in order. Used by tests and admin tooling.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.RetryWebhooks(ctx)
	s.Reconcile(ctx)
	s.ExpirePending(ctx)
}

func (s *Scheduler) RetryWebhooks(ctx context.Context) {
	stats, err := s.TopUp.RetryDue(ctx, retryBatch)
	if err != nil {
		s.Log.Error("webhook retry run failed", zap.Error(err))
		return
	}
	if stats.Done+stats.Retrying+stats.Dead > 0 {
		s.Log.Info("webhook retry run completed",
			zap.Int("done", stats.Done),
			zap.Int("retrying", stats.Retrying),
			zap.Int("dead", stats.Dead))
	}
}

func (s *Scheduler) Reconcile(ctx context.Context) {
	drifted, err := s.Ledger.ReconcileAll(ctx)
	if err != nil {
		s.Log.Error("reconciliation run failed", zap.Error(err))
	}
	s.Ledger.ReportDrift(ctx, drifted)
	if err == nil {
		s.Metrics.SetDriftedWallets(len(drifted))
	}
}

func (s *Scheduler) ExpirePending(ctx context.Context) {
	n, err := s.Ledger.ExpireStale(ctx, s.PendingTTL)
	if err != nil {
		s.Log.Error("pending expiry run failed", zap.Error(err))
	}
	if n > 0 {
		s.Log.Info("expired stale pending transactions", zap.Int("count", n))
	}
}
