package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type candidate struct {
	jobID      string
	employeeID string
	ticket     int64
	polledNs   int64
}

// Advance releases waiting jobs of one product in ticket order. Each release
// is its own transaction that takes one unit of stock, records the pending
// order, marks the job done and finally submits the order downstream, so a
// release never happens without its unit and concurrent advances cannot
// oversell. Cancelling ctx stops the batch between releases, never inside one.
//
// Stale jobs found at the head of the line are expired and skipped. When the
// sale is over, or sold out with nothing pending that could come back, the
// remaining waiters are failed so their clients stop polling.
func (s *Service) Advance(ctx context.Context, productID string, now time.Time) (AdvanceResult, error) {
	if productID == "" {
		return AdvanceResult{}, fmt.Errorf("%w: product_id required", ErrInvalidInput)
	}
	start := time.Now()
	n := s.now(now)

	var (
		out    AdvanceResult
		errMsg string
	)
	defer func() {
		s.observeLatency("advance", start)
		if len(out.Released) == 0 && out.Expired == 0 && out.Failed == 0 && errMsg == "" {
			return
		}
		s.log(map[string]interface{}{
			"op":         "advance",
			"product":    productID,
			"released":   len(out.Released),
			"expired":    out.Expired,
			"failed":     out.Failed,
			"reason":     out.Reason,
			"latency_ms": time.Since(start).Milliseconds(),
		}, errMsg)
	}()

	for len(out.Released) < s.opts.ReleaseBatch {
		if ctx.Err() != nil {
			break
		}
		step, err := s.advanceOne(ctx, productID, n)
		if err != nil {
			errMsg = err.Error()
			return out, s.classify("advance", err)
		}
		out.Expired += step.expired
		out.Failed += step.failed
		if step.release != nil {
			out.Released = append(out.Released, *step.release)
		}
		if step.closedReason != "" {
			out.Reason = step.closedReason
		}
		if step.stop {
			break
		}
	}

	if s.metrics != nil {
		s.metrics.ReleasedTotal.Add(float64(len(out.Released)))
		s.metrics.ExpiredTotal.Add(float64(out.Expired))
	}
	return out, nil
}

type advanceStep struct {
	release      *Release
	expired      int64
	failed       int64
	closedReason string
	stop         bool
}

func (s *Service) advanceOne(ctx context.Context, productID string, now time.Time) (advanceStep, error) {
	nowNs := now.UnixNano()

	// Once started a release runs to the end on its own context: the order
	// may already be with the gateway, and the ledger must record it.
	ctx = context.WithoutCancel(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return advanceStep{}, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProduct(tx.QueryRowContext(ctx, `
SELECT product_id, name, price, sale_start_ns, sale_end_ns, total_stock, remaining_stock, version
FROM products WHERE product_id = ?;
`, productID))
	if err != nil {
		return advanceStep{}, err
	}

	if now.Before(p.SaleStart) {
		return advanceStep{stop: true}, nil
	}
	if !now.Before(p.SaleEnd) {
		return s.closeLine(ctx, tx, productID, ReasonSaleEnded, nowNs)
	}

	pending, err := countPending(ctx, tx, productID)
	if err != nil {
		return advanceStep{}, err
	}
	if p.RemainingStock <= 0 {
		if pending == 0 {
			return s.closeLine(ctx, tx, productID, ReasonSoldOut, nowNs)
		}
		return advanceStep{stop: true}, nil
	}
	if s.opts.MaxInCheckout > 0 && pending >= int64(s.opts.MaxInCheckout) {
		return advanceStep{stop: true}, nil
	}

	var c candidate
	err = tx.QueryRowContext(ctx, `
SELECT job_id, employee_id, ticket, last_polled_at_ns FROM queue_jobs
WHERE product_id = ? AND status = 'waiting'
ORDER BY ticket ASC
LIMIT 1;
`, productID).Scan(&c.jobID, &c.employeeID, &c.ticket, &c.polledNs)
	if errors.Is(err, sql.ErrNoRows) {
		return advanceStep{stop: true}, nil
	}
	if err != nil {
		return advanceStep{}, err
	}

	if c.polledNs < nowNs-s.opts.StaleAfter.Nanoseconds() {
		if err := finishJob(ctx, tx, c.jobID, JobExpired, ReasonStale, nowNs); err != nil {
			return advanceStep{}, err
		}
		return advanceStep{expired: 1}, tx.Commit()
	}

	order := Order{
		ID:            uuid.NewString(),
		JobID:         c.jobID,
		EmployeeID:    c.employeeID,
		ProductID:     productID,
		Status:        OrderPending,
		HoldExpiresAt: now.Add(s.opts.CheckoutHold),
		CreatedAt:     now,
	}

	res, err := tx.ExecContext(ctx, `
UPDATE products
SET remaining_stock = remaining_stock - 1,
    version = version + 1,
    updated_at_ns = ?
WHERE product_id = ? AND remaining_stock > 0;
`, nowNs, productID)
	if err != nil {
		return advanceStep{}, err
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return advanceStep{stop: true}, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO orders(order_id, job_id, employee_id, product_id, status, hold_expires_at_ns, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, 'pending', ?, ?, ?);
`, order.ID, order.JobID, order.EmployeeID, productID, order.HoldExpiresAt.UnixNano(), nowNs, nowNs); err != nil {
		return advanceStep{}, err
	}

	res, err = tx.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'done', order_id = ?, finished_at_ns = ?
WHERE job_id = ? AND status = 'waiting';
`, order.ID, nowNs, c.jobID)
	if err != nil {
		return advanceStep{}, err
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return advanceStep{}, fmt.Errorf("release lost job %s", c.jobID)
	}

	// The gateway is the last step before commit, so a submitted order is
	// never dropped by a failing ledger write.
	if gerr := s.opts.Gateway.Submit(ctx, order); gerr != nil {
		_ = tx.Rollback()
		if err := finishJob(ctx, s.db, c.jobID, JobFailed, ReasonBackendUnavailable, nowNs); err != nil {
			return advanceStep{}, err
		}
		if s.metrics != nil {
			s.metrics.FailedTotal.WithLabelValues(ReasonBackendUnavailable).Inc()
		}
		if s.logger != nil {
			s.logger.Error(map[string]interface{}{
				"op":      "advance_submit",
				"job_id":  c.jobID,
				"product": productID,
				"error":   gerr.Error(),
			})
		}
		// leave the rest of the line for the next tick rather than failing it in a burst
		return advanceStep{failed: 1, stop: true}, nil
	}

	if err := tx.Commit(); err != nil {
		s.withdraw(ctx, order.ID, err)
		return advanceStep{}, err
	}
	return advanceStep{release: &Release{
		JobID:      c.jobID,
		OrderID:    order.ID,
		EmployeeID: c.employeeID,
		Ticket:     c.ticket,
	}}, nil
}

// withdraw takes back an order the gateway accepted but the ledger failed to
// commit. The job is still waiting and will be released again with a new id.
func (s *Service) withdraw(ctx context.Context, orderID string, cause error) {
	fields := map[string]interface{}{
		"op":        "advance_withdraw",
		"order_id":  orderID,
		"withdrawn": false,
	}
	w, ok := s.opts.Gateway.(OrderWithdrawer)
	if !ok {
		s.log(fields, cause.Error())
		return
	}
	if err := w.Withdraw(ctx, orderID); err != nil {
		s.log(fields, fmt.Sprintf("%v; withdraw: %v", cause, err))
		return
	}
	fields["withdrawn"] = true
	s.log(fields, cause.Error())
}

func (s *Service) closeLine(ctx context.Context, tx *sql.Tx, productID, reason string, nowNs int64) (advanceStep, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'failed', reason = ?, finished_at_ns = ?
WHERE product_id = ? AND status = 'waiting';
`, reason, nowNs, productID)
	if err != nil {
		return advanceStep{}, err
	}
	if err := tx.Commit(); err != nil {
		return advanceStep{}, err
	}
	aff, _ := res.RowsAffected()
	if aff > 0 && s.metrics != nil {
		s.metrics.FailedTotal.WithLabelValues(reason).Add(float64(aff))
	}
	step := advanceStep{failed: aff, stop: true}
	if aff > 0 {
		step.closedReason = reason
	}
	return step, nil
}

func finishJob(ctx context.Context, tx execer, jobID string, status JobStatus, reason string, nowNs int64) error {
	_, err := tx.ExecContext(ctx, `
UPDATE queue_jobs
SET status = ?, reason = ?, finished_at_ns = ?
WHERE job_id = ? AND status = 'waiting';
`, string(status), reason, nowNs, jobID)
	return err
}

func countPending(ctx context.Context, q querier, productID string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
SELECT COUNT(*) FROM orders WHERE product_id = ? AND status = 'pending';
`, productID).Scan(&n)
	return n, err
}

// ExpireStale expires every waiting job whose client stopped polling. The
// ticket is not handed to anyone else; the jobs behind simply move up.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	nowNs := s.now(now).UnixNano()
	cutoff := nowNs - s.opts.StaleAfter.Nanoseconds()

	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'expired', reason = ?, finished_at_ns = ?
WHERE status = 'waiting' AND last_polled_at_ns < ?;
`, ReasonStale, nowNs, cutoff)
	if err != nil {
		return 0, s.classify("expire_stale", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && s.metrics != nil {
		s.metrics.ExpiredTotal.Add(float64(n))
	}
	return n, nil
}

// ExpireHolds cancels pending orders whose checkout hold has run out and
// returns their stock.
func (s *Service) ExpireHolds(ctx context.Context, now time.Time) (int64, error) {
	nowNs := s.now(now).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.classify("expire_holds", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT order_id FROM orders
WHERE status = 'pending' AND hold_expires_at_ns <= ?;
`, nowNs)
	if err != nil {
		return 0, s.classify("expire_holds", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var lapsed int64
	for _, id := range ids {
		changed, err := cancelPendingOrder(ctx, tx, id, nowNs)
		if err != nil {
			return 0, s.classify("expire_holds", err)
		}
		if changed {
			lapsed++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, s.classify("expire_holds", err)
	}
	if lapsed > 0 && s.metrics != nil {
		s.metrics.HoldsLapsedTotal.Add(float64(lapsed))
	}
	return lapsed, nil
}

// PurgeTerminal deletes finished jobs past the retention window. Orders are
// kept; the active-order guard reads them, not the jobs.
func (s *Service) PurgeTerminal(ctx context.Context, now time.Time) (int64, error) {
	cutoff := s.now(now).Add(-s.opts.Retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `
DELETE FROM queue_jobs
WHERE status != 'waiting' AND finished_at_ns > 0 AND finished_at_ns < ?;
`, cutoff)
	if err != nil {
		return 0, s.classify("purge", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ActiveProducts lists products that have waiting jobs or pending orders.
func (s *Service) ActiveProducts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT product_id FROM queue_jobs WHERE status = 'waiting'
UNION
SELECT product_id FROM orders WHERE status = 'pending';
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Counts returns the number of waiting jobs and pending orders across products.
func (s *Service) Counts(ctx context.Context) (waiting, pending int64, err error) {
	err = s.db.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM queue_jobs WHERE status = 'waiting'),
  (SELECT COUNT(*) FROM orders WHERE status = 'pending');
`).Scan(&waiting, &pending)
	return waiting, pending, err
}
