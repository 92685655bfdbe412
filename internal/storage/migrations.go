package storage

import (
	"context"
	"database/sql"
	"fmt"
)

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	const latest = 2

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latest; v++ {
		if err := apply(ctx, d.DB, v); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS products (
  product_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  price INTEGER NOT NULL,
  sale_start_ns INTEGER NOT NULL,
  sale_end_ns INTEGER NOT NULL,
  total_stock INTEGER NOT NULL,
  remaining_stock INTEGER NOT NULL CHECK (remaining_stock >= 0),
  version INTEGER NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_counters (
  product_id TEXT PRIMARY KEY,
  last_ticket INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_jobs (
  job_id TEXT PRIMARY KEY,
  employee_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  ticket INTEGER NOT NULL,
  status TEXT NOT NULL,
  reason TEXT,
  order_id TEXT,
  created_at_ns INTEGER NOT NULL,
  last_polled_at_ns INTEGER NOT NULL,
  finished_at_ns INTEGER NOT NULL DEFAULT 0,
  UNIQUE (product_id, ticket)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_waiting
  ON queue_jobs(employee_id, product_id) WHERE status = 'waiting';
CREATE INDEX IF NOT EXISTS idx_jobs_line ON queue_jobs(product_id, status, ticket);
CREATE INDEX IF NOT EXISTS idx_jobs_polled ON queue_jobs(status, last_polled_at_ns);
`); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	case 2:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS orders (
  order_id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  employee_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  status TEXT NOT NULL,
  hold_expires_at_ns INTEGER NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_active
  ON orders(employee_id, product_id) WHERE status IN ('pending', 'paid');
CREATE INDEX IF NOT EXISTS idx_orders_hold ON orders(status, hold_expires_at_ns);
`); err != nil {
			return fmt.Errorf("migration v2 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, version); err != nil {
		return err
	}
	return tx.Commit()
}
