package model

import (
	"context"
	"time"

	"salequeue/internal/obs"
)

// Monitor drives the coordinator's time-based work. Each sweep:
// 1) expires waiting jobs that stopped polling
// 2) cancels pending orders whose checkout hold lapsed (stock goes back)
// 3) advances the line of every product with waiters
// 4) purges terminal jobs past retention
// 5) refreshes the waiting/pending gauges
type Monitor struct {
	svc      *Service
	logger   *obs.Logger
	metrics  *obs.Metrics
	interval time.Duration
	clock    func() time.Time
}

func NewMonitor(svc *Service, logger *obs.Logger, metrics *obs.Metrics, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Monitor{
		svc:      svc,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		clock:    time.Now,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	// Run once immediately
	m.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepResult summarises one sweep; mostly useful to tests.
type SweepResult struct {
	Expired  int64
	Lapsed   int64
	Released int64
	Failed   int64
	Purged   int64
}

func (m *Monitor) SweepOnce(ctx context.Context) SweepResult {
	start := time.Now()
	now := m.clock()

	var (
		out  SweepResult
		errs = map[string]string{}
	)

	expired, err := m.svc.ExpireStale(ctx, now)
	if err != nil {
		errs["expire_err"] = err.Error()
	}
	out.Expired = expired

	lapsed, err := m.svc.ExpireHolds(ctx, now)
	if err != nil {
		errs["holds_err"] = err.Error()
	}
	out.Lapsed = lapsed

	products, err := m.svc.ActiveProducts(ctx)
	if err != nil {
		errs["products_err"] = err.Error()
	}
	for _, p := range products {
		res, err := m.svc.Advance(ctx, p, now)
		if err != nil {
			errs["advance_err"] = err.Error()
			continue
		}
		out.Released += int64(len(res.Released))
		out.Failed += res.Failed
		out.Expired += res.Expired
	}

	purged, err := m.svc.PurgeTerminal(ctx, now)
	if err != nil {
		errs["purge_err"] = err.Error()
	}
	out.Purged = purged

	waiting, pending, err := m.svc.Counts(ctx)
	if err == nil && m.metrics != nil {
		m.metrics.JobsWaiting.Set(float64(waiting))
		m.metrics.OrdersPending.Set(float64(pending))
	}
	if err != nil {
		errs["count_err"] = err.Error()
	}

	if m.logger != nil {
		fields := map[string]interface{}{
			"op":         "sweep",
			"expired":    out.Expired,
			"lapsed":     out.Lapsed,
			"released":   out.Released,
			"failed":     out.Failed,
			"purged":     out.Purged,
			"waiting":    waiting,
			"pending":    pending,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		for k, v := range errs {
			fields[k] = v
		}
		// Only log if something interesting happened or errors
		switch {
		case len(errs) > 0:
			m.logger.Error(fields)
		case out.Expired > 0 || out.Lapsed > 0 || out.Released > 0 || out.Failed > 0 || out.Purged > 0:
			m.logger.Info(fields)
		}
	}
	return out
}
