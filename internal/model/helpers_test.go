package model_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"salequeue/internal/model"
	"salequeue/internal/storage"
)

// base is the sale start used by every fixture.
var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openService(t *testing.T, opts model.Options) *model.Service {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.Config{
		Path:         filepath.Join(t.TempDir(), "salequeue_test.db"),
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	require.NoError(t, err, "db open")
	t.Cleanup(func() { _ = db.Close() })

	return model.NewService(db.DB, nil, nil, opts)
}

func seedProduct(t *testing.T, svc *model.Service, id string, stock int64) model.Product {
	t.Helper()
	p, err := svc.UpsertProduct(context.Background(), model.Product{
		ID:         id,
		Name:       "Laptop " + id,
		Price:      129900,
		SaleStart:  base,
		SaleEnd:    base.Add(time.Hour),
		TotalStock: stock,
	}, base.Add(-time.Hour))
	require.NoError(t, err, "seed product")
	return p
}

func join(t *testing.T, svc *model.Service, employee, product string, at time.Time) model.JoinResult {
	t.Helper()
	res, err := svc.Join(context.Background(), model.JoinRequest{
		EmployeeID: employee,
		ProductID:  product,
		Now:        at,
	})
	require.NoError(t, err, "join %s", employee)
	return res
}

func status(t *testing.T, svc *model.Service, jobID string, at time.Time) model.JobSnapshot {
	t.Helper()
	snap, err := svc.Status(context.Background(), jobID, at)
	require.NoError(t, err, "status %s", jobID)
	return snap
}

type fakeGateway struct {
	mu     sync.Mutex
	err    error
	orders []model.Order
	// onSubmit runs after an order is accepted.
	onSubmit func()
}

func (g *fakeGateway) Submit(_ context.Context, o model.Order) error {
	g.mu.Lock()
	if g.err != nil {
		g.mu.Unlock()
		return g.err
	}
	g.orders = append(g.orders, o)
	hook := g.onSubmit
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGateway) submitted() []model.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.Order(nil), g.orders...)
}
