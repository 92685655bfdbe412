package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OrderGateway is the downstream order/payment system. Submit is called once
// per released job as the last step of the release transaction; an error
// fails the job without consuming stock.
type OrderGateway interface {
	Submit(ctx context.Context, o Order) error
}

// OrderWithdrawer is implemented by gateways that can take back a submitted
// order. It is used when the release commit fails after Submit succeeded.
type OrderWithdrawer interface {
	Withdraw(ctx context.Context, orderID string) error
}

// NopGateway accepts every order. Used when no downstream is configured.
type NopGateway struct{}

func (NopGateway) Submit(context.Context, Order) error { return nil }

// GetOrder returns an order by id.
func (s *Service) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order_id required", ErrInvalidInput)
	}
	var (
		o               Order
		status          string
		holdNs, created int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT order_id, job_id, employee_id, product_id, status, hold_expires_at_ns, created_at_ns
FROM orders WHERE order_id = ?;
`, orderID).Scan(&o.ID, &o.JobID, &o.EmployeeID, &o.ProductID, &status, &holdNs, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = OrderStatus(status)
	o.HoldExpiresAt = time.Unix(0, holdNs)
	o.CreatedAt = time.Unix(0, created)
	return o, nil
}

// CompleteOrder marks a pending order paid. Completing a paid order again is
// a no-op; a cancelled order cannot be completed.
func (s *Service) CompleteOrder(ctx context.Context, orderID string, now time.Time) (Order, error) {
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order_id required", ErrInvalidInput)
	}
	nowNs := s.now(now).UnixNano()

	var errMsg string
	defer func() {
		s.log(map[string]interface{}{"op": "order_complete", "order_id": orderID}, errMsg)
	}()

	if _, err := s.db.ExecContext(ctx, `
UPDATE orders SET status = 'paid', updated_at_ns = ?
WHERE order_id = ? AND status = 'pending';
`, nowNs, orderID); err != nil {
		errMsg = err.Error()
		return Order{}, s.classify("order_complete", err)
	}

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.Status == OrderCancelled {
		return o, fmt.Errorf("%w: %s", ErrOrderClosed, o.Status)
	}
	return o, nil
}

// CancelOrder abandons a pending order and returns its unit of stock. It is
// idempotent for cancelled orders; paid orders are closed.
func (s *Service) CancelOrder(ctx context.Context, orderID string, now time.Time) (Order, error) {
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order_id required", ErrInvalidInput)
	}
	nowNs := s.now(now).UnixNano()

	var errMsg string
	defer func() {
		s.log(map[string]interface{}{"op": "order_cancel", "order_id": orderID}, errMsg)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		errMsg = err.Error()
		return Order{}, s.classify("order_cancel", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := cancelPendingOrder(ctx, tx, orderID, nowNs); err != nil {
		errMsg = err.Error()
		return Order{}, s.classify("order_cancel", err)
	}
	if err := tx.Commit(); err != nil {
		errMsg = err.Error()
		return Order{}, s.classify("order_cancel", err)
	}

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.Status == OrderPaid {
		return o, fmt.Errorf("%w: %s", ErrOrderClosed, o.Status)
	}
	return o, nil
}

// cancelPendingOrder flips a pending order to cancelled and puts its unit back.
// Reports whether anything changed.
func cancelPendingOrder(ctx context.Context, tx *sql.Tx, orderID string, nowNs int64) (bool, error) {
	var productID string
	err := tx.QueryRowContext(ctx, `
SELECT product_id FROM orders WHERE order_id = ? AND status = 'pending';
`, orderID).Scan(&productID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE orders SET status = 'cancelled', updated_at_ns = ?
WHERE order_id = ? AND status = 'pending';
`, nowNs, orderID); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE products
SET remaining_stock = MIN(total_stock, remaining_stock + 1),
    version = version + 1,
    updated_at_ns = ?
WHERE product_id = ?;
`, nowNs, productID); err != nil {
		return false, err
	}
	return true, nil
}
