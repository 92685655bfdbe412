package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"salequeue/internal/obs"
)

// Options tunes the coordinator. Zero values fall back to defaults.
type Options struct {
	StaleAfter    time.Duration // waiting job without a poll for this long is expired
	CheckoutHold  time.Duration // how long a released order may stay pending
	ReleaseBatch  int           // max releases per Advance call
	MaxInCheckout int           // max pending orders per product; 0 = unlimited
	Retention     time.Duration // terminal jobs older than this are purged
	Gateway       OrderGateway
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	if o.CheckoutHold <= 0 {
		o.CheckoutHold = 10 * time.Minute
	}
	if o.ReleaseBatch <= 0 {
		o.ReleaseBatch = 10
	}
	if o.MaxInCheckout < 0 {
		o.MaxInCheckout = 0
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.Gateway == nil {
		o.Gateway = NopGateway{}
	}
	return o
}

// Service is the queue coordinator. All writes to jobs, tickets, orders and
// stock go through it.
type Service struct {
	db      *sql.DB
	logger  *obs.Logger
	metrics *obs.Metrics
	opts    Options
}

func NewService(db *sql.DB, logger *obs.Logger, metrics *obs.Metrics, opts Options) *Service {
	return &Service{
		db:      db,
		logger:  logger,
		metrics: metrics,
		opts:    opts.withDefaults(),
	}
}

func (s *Service) observeLatency(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *Service) incResult(op, result string) {
	if s.metrics == nil {
		return
	}
	switch op {
	case "check":
		s.metrics.CheckTotal.WithLabelValues(result).Inc()
	case "join":
		s.metrics.JoinTotal.WithLabelValues(result).Inc()
	case "status":
		s.metrics.StatusTotal.WithLabelValues(result).Inc()
	case "cancel":
		s.metrics.CancelTotal.WithLabelValues(result).Inc()
	}
}

func (s *Service) log(fields map[string]interface{}, errMsg string) {
	if s.logger == nil {
		return
	}
	if errMsg != "" {
		fields["error"] = errMsg
		s.logger.Error(fields)
		return
	}
	s.logger.Info(fields)
}

func (s *Service) now(reqNow time.Time) time.Time {
	if !reqNow.IsZero() {
		return reqNow
	}
	return time.Now()
}

// classify turns sqlite busy/locked into ErrBusy and counts it.
func (s *Service) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteBusy(err) {
		if s.metrics != nil {
			s.metrics.DBBusyTotal.WithLabelValues(op).Inc()
		}
		return fmt.Errorf("%w: %s", ErrBusy, op)
	}
	return err
}

func (s *Service) CheckActiveOrder(ctx context.Context, req CheckRequest) (CheckResult, error) {
	if req.EmployeeID == "" || req.ProductID == "" {
		return CheckResult{}, fmt.Errorf("%w: employee_id and product_id required", ErrInvalidInput)
	}
	start := time.Now()
	defer s.observeLatency("check", start)

	res, err := activeOrder(ctx, s.db, req.EmployeeID, req.ProductID)
	if err != nil {
		s.incResult("check", "error")
		return CheckResult{}, s.classify("check", err)
	}
	if res.HasActiveOrder {
		s.incResult("check", "active")
	} else {
		s.incResult("check", "clear")
	}
	return res, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// activeOrder looks for a waiting job or a pending/paid order for the pair.
func activeOrder(ctx context.Context, q querier, employeeID, productID string) (CheckResult, error) {
	var jobID string
	err := q.QueryRowContext(ctx, `
SELECT job_id FROM queue_jobs
WHERE employee_id = ? AND product_id = ? AND status = 'waiting'
LIMIT 1;
`, employeeID, productID).Scan(&jobID)
	switch {
	case err == nil:
		return CheckResult{HasActiveOrder: true, JobID: jobID}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return CheckResult{}, err
	}

	var orderID string
	err = q.QueryRowContext(ctx, `
SELECT order_id FROM orders
WHERE employee_id = ? AND product_id = ? AND status IN ('pending', 'paid')
LIMIT 1;
`, employeeID, productID).Scan(&orderID)
	switch {
	case err == nil:
		return CheckResult{HasActiveOrder: true, OrderID: orderID}, nil
	case errors.Is(err, sql.ErrNoRows):
		return CheckResult{}, nil
	default:
		return CheckResult{}, err
	}
}

// Join puts the employee in line for the product. The active-order guard,
// ticket allocation and insert run in one write transaction, so concurrent
// joins are serialized and receive distinct, ordered tickets.
func (s *Service) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if req.EmployeeID == "" || req.ProductID == "" {
		s.incResult("join", "error")
		return JoinResult{}, fmt.Errorf("%w: employee_id and product_id required", ErrInvalidInput)
	}
	start := time.Now()

	var (
		out    JoinResult
		result = "error"
		errMsg string
	)
	defer func() {
		s.incResult("join", result)
		s.observeLatency("join", start)
		s.log(map[string]interface{}{
			"op":         "join",
			"employee":   req.EmployeeID,
			"product":    req.ProductID,
			"result":     result,
			"job_id":     out.JobID,
			"ticket":     out.Ticket,
			"position":   out.Position,
			"latency_ms": time.Since(start).Milliseconds(),
		}, errMsg)
	}()

	now := s.now(req.Now)
	nowNs := now.UnixNano()

	res, err := s.join(ctx, req, now, nowNs)
	switch {
	case err == nil:
		out = res
		result = "success"
		return out, nil
	case errors.Is(err, ErrActiveOrderExists):
		result = "active"
	case errors.Is(err, ErrSaleNotOpen):
		result = "closed"
	case errors.Is(err, ErrBusy):
		result = "busy"
		errMsg = err.Error()
	case errors.Is(err, ErrProductNotFound):
		result = "not_found"
	default:
		errMsg = err.Error()
	}
	return JoinResult{}, err
}

func (s *Service) join(ctx context.Context, req JoinRequest, now time.Time, nowNs int64) (JoinResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JoinResult{}, s.classify("join", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProduct(tx.QueryRowContext(ctx, `
SELECT product_id, name, price, sale_start_ns, sale_end_ns, total_stock, remaining_stock, version
FROM products WHERE product_id = ?;
`, req.ProductID))
	if err != nil {
		return JoinResult{}, s.classify("join", err)
	}
	if w := EvaluateWindow(p, now); w.Status != SaleDuring {
		return JoinResult{}, fmt.Errorf("%w: status=%s", ErrSaleNotOpen, w.Status)
	}

	active, err := activeOrder(ctx, tx, req.EmployeeID, req.ProductID)
	if err != nil {
		return JoinResult{}, s.classify("join", err)
	}
	if active.HasActiveOrder {
		return JoinResult{}, fmt.Errorf("%w: job=%s order=%s", ErrActiveOrderExists, active.JobID, active.OrderID)
	}

	// Ensure counter row exists
	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_counters(product_id, last_ticket) VALUES(?, 0)
ON CONFLICT(product_id) DO NOTHING;
`, req.ProductID); err != nil {
		return JoinResult{}, s.classify("join", err)
	}

	// Increment ticket (monotonic per product, never reused)
	if _, err := tx.ExecContext(ctx, `
UPDATE queue_counters SET last_ticket = last_ticket + 1 WHERE product_id = ?;
`, req.ProductID); err != nil {
		return JoinResult{}, s.classify("join", err)
	}

	var ticket int64
	if err := tx.QueryRowContext(ctx, `
SELECT last_ticket FROM queue_counters WHERE product_id = ?;
`, req.ProductID).Scan(&ticket); err != nil {
		return JoinResult{}, s.classify("join", err)
	}

	var ahead int64
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queue_jobs
WHERE product_id = ? AND status = 'waiting' AND ticket < ?;
`, req.ProductID, ticket).Scan(&ahead); err != nil {
		return JoinResult{}, s.classify("join", err)
	}

	jobID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_jobs(job_id, employee_id, product_id, ticket, status, created_at_ns, last_polled_at_ns)
VALUES(?, ?, ?, ?, 'waiting', ?, ?);
`, jobID, req.EmployeeID, req.ProductID, ticket, nowNs, nowNs); err != nil {
		if isSQLiteConstraint(err) {
			return JoinResult{}, fmt.Errorf("%w: %v", ErrActiveOrderExists, err)
		}
		return JoinResult{}, s.classify("join", err)
	}

	if err := tx.Commit(); err != nil {
		return JoinResult{}, s.classify("join", err)
	}

	return JoinResult{
		JobID:    jobID,
		Ticket:   ticket,
		Position: ahead + 1,
	}, nil
}

// Status reports a job. It never changes the job's status; for a waiting job
// it records the poll time, which is what keeps the job from going stale.
func (s *Service) Status(ctx context.Context, jobID string, now time.Time) (JobSnapshot, error) {
	if jobID == "" {
		return JobSnapshot{}, fmt.Errorf("%w: job_id required", ErrInvalidInput)
	}
	start := time.Now()
	defer s.observeLatency("status", start)

	nowNs := s.now(now).UnixNano()

	if _, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs SET last_polled_at_ns = MAX(last_polled_at_ns, ?)
WHERE job_id = ? AND status = 'waiting';
`, nowNs, jobID); err != nil {
		// a missed touch only shortens the job's grace period; still answer the poll
		if s.logger != nil {
			s.logger.Debug(map[string]interface{}{"op": "status_touch", "job_id": jobID, "error": err.Error()})
		}
	}

	snap, err := s.snapshot(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		s.incResult("status", "not_found")
		return JobSnapshot{}, err
	}
	if err != nil {
		return JobSnapshot{}, s.classify("status", err)
	}
	s.incResult("status", string(snap.Status))
	return snap, nil
}

// snapshot reads the job and its live position in a single statement so the
// two are consistent with each other.
func (s *Service) snapshot(ctx context.Context, jobID string) (JobSnapshot, error) {
	var (
		snap                       JobSnapshot
		status                     string
		reason, orderID            sql.NullString
		createdNs, polledNs, finNs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT j.job_id, j.employee_id, j.product_id, j.ticket, j.status, j.reason, j.order_id,
       j.created_at_ns, j.last_polled_at_ns, j.finished_at_ns,
       CASE WHEN j.status = 'waiting' THEN
         (SELECT COUNT(*) FROM queue_jobs w
          WHERE w.product_id = j.product_id AND w.status = 'waiting' AND w.ticket < j.ticket) + 1
       ELSE 0 END
FROM queue_jobs j WHERE j.job_id = ?;
`, jobID).Scan(&snap.JobID, &snap.EmployeeID, &snap.ProductID, &snap.Ticket, &status, &reason, &orderID,
		&createdNs, &polledNs, &finNs, &snap.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return JobSnapshot{}, ErrJobNotFound
	}
	if err != nil {
		return JobSnapshot{}, err
	}
	snap.Status = JobStatus(status)
	snap.Reason = reason.String
	snap.OrderID = orderID.String
	snap.CreatedAt = time.Unix(0, createdNs)
	snap.LastPolledAt = time.Unix(0, polledNs)
	if finNs > 0 {
		snap.FinishedAt = time.Unix(0, finNs)
	}
	return snap, nil
}

// Cancel releases a waiting job on the owner's request so the line moves
// without waiting for the staleness timeout. Cancelling a job that is already
// terminal is a no-op that reports its status.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (CancelResult, error) {
	if req.JobID == "" || req.EmployeeID == "" {
		return CancelResult{}, fmt.Errorf("%w: job_id and employee_id required", ErrInvalidInput)
	}
	start := time.Now()

	var (
		out    CancelResult
		errMsg string
	)
	defer func() {
		s.observeLatency("cancel", start)
		s.log(map[string]interface{}{
			"op":         "cancel",
			"job_id":     req.JobID,
			"employee":   req.EmployeeID,
			"cancelled":  out.Cancelled,
			"status":     string(out.Status),
			"latency_ms": time.Since(start).Milliseconds(),
		}, errMsg)
	}()

	nowNs := s.now(req.Now).UnixNano()

	res, err := s.db.ExecContext(ctx, `
UPDATE queue_jobs
SET status = 'cancelled', reason = ?, finished_at_ns = ?
WHERE job_id = ? AND employee_id = ? AND status = 'waiting';
`, ReasonCancelled, nowNs, req.JobID, req.EmployeeID)
	if err != nil {
		errMsg = err.Error()
		return CancelResult{}, s.classify("cancel", err)
	}

	aff, _ := res.RowsAffected()
	if aff == 1 {
		out = CancelResult{Cancelled: true, Status: JobCancelled}
		s.incResult("cancel", "cancelled")
		return out, nil
	}

	snap, err := s.snapshot(ctx, req.JobID)
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			errMsg = err.Error()
		}
		return CancelResult{}, s.classify("cancel", err)
	}
	if snap.EmployeeID != req.EmployeeID {
		return CancelResult{}, ErrJobNotFound
	}
	out = CancelResult{Cancelled: false, Status: snap.Status}
	s.incResult("cancel", "noop")
	return out, nil
}
