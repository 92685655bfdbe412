package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EvaluateWindow derives the sale status from the clock and the stock level
// alone: before the start it is "before", at or after the end or once stock
// is gone it is "after", otherwise "during".
func EvaluateWindow(p Product, now time.Time) SaleWindow {
	w := SaleWindow{
		SaleStart:      p.SaleStart,
		SaleEnd:        p.SaleEnd,
		TotalStock:     p.TotalStock,
		RemainingStock: p.RemainingStock,
	}

	switch {
	case now.Before(p.SaleStart):
		w.Status = SaleBefore
		w.SecondsUntilStart = ceilSeconds(p.SaleStart.Sub(now))
	case !now.Before(p.SaleEnd) || p.RemainingStock <= 0:
		w.Status = SaleAfter
	default:
		w.Status = SaleDuring
	}
	return w
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// CurrentSale returns the product and its evaluated window. An empty
// productID selects the current event: the unfinished sale that starts
// first, or failing that the sale that ended most recently.
func (s *Service) CurrentSale(ctx context.Context, productID string, now time.Time) (Product, SaleWindow, error) {
	n := s.now(now)

	const cols = `product_id, name, price, sale_start_ns, sale_end_ns, total_stock, remaining_stock, version`
	if productID != "" {
		p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+cols+` FROM products WHERE product_id = ?;`, productID))
		if err != nil {
			return Product{}, SaleWindow{}, err
		}
		return p, EvaluateWindow(p, n), nil
	}

	p, err := scanProduct(s.db.QueryRowContext(ctx, `
SELECT `+cols+` FROM products
WHERE sale_end_ns > ?
ORDER BY sale_start_ns ASC, product_id ASC
LIMIT 1;
`, n.UnixNano()))
	if errors.Is(err, ErrProductNotFound) {
		p, err = scanProduct(s.db.QueryRowContext(ctx, `
SELECT `+cols+` FROM products
ORDER BY sale_end_ns DESC, product_id ASC
LIMIT 1;
`))
	}
	if err != nil {
		return Product{}, SaleWindow{}, err
	}
	return p, EvaluateWindow(p, n), nil
}

// UpsertProduct creates or reconfigures a sale. Units already sold or held
// stay deducted when the total changes.
func (s *Service) UpsertProduct(ctx context.Context, p Product, now time.Time) (Product, error) {
	if p.ID == "" || p.Name == "" {
		return Product{}, fmt.Errorf("%w: product id and name required", ErrInvalidInput)
	}
	if !p.SaleEnd.After(p.SaleStart) {
		return Product{}, fmt.Errorf("%w: sale end must be after sale start", ErrInvalidInput)
	}
	if p.TotalStock < 0 || p.Price < 0 {
		return Product{}, fmt.Errorf("%w: stock and price must be >= 0", ErrInvalidInput)
	}
	nowNs := s.now(now).UnixNano()

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO products(product_id, name, price, sale_start_ns, sale_end_ns, total_stock, remaining_stock, version, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(product_id) DO UPDATE SET
  name = excluded.name,
  price = excluded.price,
  sale_start_ns = excluded.sale_start_ns,
  sale_end_ns = excluded.sale_end_ns,
  remaining_stock = MAX(0, excluded.total_stock - (products.total_stock - products.remaining_stock)),
  total_stock = excluded.total_stock,
  version = products.version + 1,
  updated_at_ns = excluded.updated_at_ns;
`, p.ID, p.Name, p.Price, p.SaleStart.UnixNano(), p.SaleEnd.UnixNano(), p.TotalStock, p.TotalStock, nowNs, nowNs); err != nil {
		return Product{}, s.classify("upsert_product", err)
	}

	out, _, err := s.CurrentSale(ctx, p.ID, now)
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var (
		p              Product
		startNs, endNs int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Price, &startNs, &endNs, &p.TotalStock, &p.RemainingStock, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, err
	}
	p.SaleStart = time.Unix(0, startNs)
	p.SaleEnd = time.Unix(0, endNs)
	return p, nil
}
