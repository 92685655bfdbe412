package model_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"salequeue/internal/model"
)

func TestJoinThenStatusReportsSamePosition(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 2)
	at := base.Add(time.Minute)

	join(t, svc, "e-1", "p1", at)
	res := join(t, svc, "e-2", "p1", at)
	assert.Equal(t, int64(2), res.Ticket)
	assert.Equal(t, int64(2), res.Position)

	snap := status(t, svc, res.JobID, at.Add(time.Second))
	assert.Equal(t, model.JobWaiting, snap.Status)
	assert.Equal(t, res.Position, snap.Position)
	assert.Equal(t, res.Ticket, snap.Ticket)
	assert.Empty(t, snap.OrderID)
}

func TestJoinValidation(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()

	_, err := svc.Join(ctx, model.JoinRequest{ProductID: "p1", Now: base})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = svc.Join(ctx, model.JoinRequest{EmployeeID: "e", ProductID: "nope", Now: base})
	assert.ErrorIs(t, err, model.ErrProductNotFound)

	_, err = svc.Join(ctx, model.JoinRequest{EmployeeID: "e", ProductID: "p1", Now: base.Add(-time.Second)})
	assert.ErrorIs(t, err, model.ErrSaleNotOpen, "before the window")

	_, err = svc.Join(ctx, model.JoinRequest{EmployeeID: "e", ProductID: "p1", Now: base.Add(time.Hour)})
	assert.ErrorIs(t, err, model.ErrSaleNotOpen, "at the end of the window")

	_, err = svc.Status(ctx, "missing", base)
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestJoinRejectedWhenSoldOut(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 0)

	_, err := svc.Join(context.Background(), model.JoinRequest{EmployeeID: "e", ProductID: "p1", Now: base.Add(time.Minute)})
	assert.ErrorIs(t, err, model.ErrSaleNotOpen)
}

func TestDuplicateJoinWhileWaitingIsBlocked(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()
	at := base.Add(time.Minute)

	first := join(t, svc, "e-1", "p1", at)

	chk, err := svc.CheckActiveOrder(ctx, model.CheckRequest{EmployeeID: "e-1", ProductID: "p1"})
	require.NoError(t, err)
	assert.True(t, chk.HasActiveOrder)
	assert.Equal(t, first.JobID, chk.JobID)

	_, err = svc.Join(ctx, model.JoinRequest{EmployeeID: "e-1", ProductID: "p1", Now: at})
	assert.ErrorIs(t, err, model.ErrActiveOrderExists)

	other, err := svc.CheckActiveOrder(ctx, model.CheckRequest{EmployeeID: "e-2", ProductID: "p1"})
	require.NoError(t, err)
	assert.False(t, other.HasActiveOrder)
}

func TestDuplicateJoinWhileDoneUnconsumedIsBlocked(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 2)
	ctx := context.Background()
	at := base.Add(time.Minute)

	first := join(t, svc, "e-1", "p1", at)
	res, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	require.Len(t, res.Released, 1)

	snap := status(t, svc, first.JobID, at)
	require.Equal(t, model.JobDone, snap.Status)
	require.NotEmpty(t, snap.OrderID)

	chk, err := svc.CheckActiveOrder(ctx, model.CheckRequest{EmployeeID: "e-1", ProductID: "p1"})
	require.NoError(t, err)
	assert.True(t, chk.HasActiveOrder)
	assert.Equal(t, snap.OrderID, chk.OrderID)

	_, err = svc.Join(ctx, model.JoinRequest{EmployeeID: "e-1", ProductID: "p1", Now: at})
	assert.ErrorIs(t, err, model.ErrActiveOrderExists)

	// once the order is abandoned the employee may queue again
	_, err = svc.CancelOrder(ctx, snap.OrderID, at)
	require.NoError(t, err)
	again := join(t, svc, "e-1", "p1", at)
	assert.Equal(t, int64(2), again.Ticket, "tickets are never reused")
}

func TestSingleUnitOnlyOneReleased(t *testing.T) {
	svc := openService(t, model.Options{CheckoutHold: 5 * time.Minute})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()
	at := base.Add(time.Minute)

	a := join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)

	res, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	require.Len(t, res.Released, 1)
	assert.Equal(t, a.JobID, res.Released[0].JobID)

	sa := status(t, svc, a.JobID, at)
	sb := status(t, svc, b.JobID, at)
	assert.Equal(t, model.JobDone, sa.Status)
	assert.NotEmpty(t, sa.OrderID)
	assert.Equal(t, model.JobWaiting, sb.Status)
	assert.Equal(t, int64(1), sb.Position)

	// the unit is held by A's pending order; B keeps waiting
	res, err = svc.Advance(ctx, "p1", at.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, res.Released)
	assert.Empty(t, res.Reason)
	assert.Equal(t, model.JobWaiting, status(t, svc, b.JobID, at.Add(time.Minute)).Status)

	// A's checkout hold lapses, the unit comes back, B is released
	later := at.Add(5*time.Minute + time.Second)
	status(t, svc, b.JobID, later)
	lapsed, err := svc.ExpireHolds(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lapsed)

	res, err = svc.Advance(ctx, "p1", later)
	require.NoError(t, err)
	require.Len(t, res.Released, 1)
	assert.Equal(t, b.JobID, res.Released[0].JobID)

	o, err := svc.GetOrder(ctx, sa.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, o.Status)
}

func TestPositionsNeverIncrease(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 2)
	ctx := context.Background()
	at := base.Add(time.Minute)

	var jobs []model.JoinResult
	for _, e := range []string{"e1", "e2", "e3", "e4", "e5"} {
		jobs = append(jobs, join(t, svc, e, "p1", at))
	}
	last := jobs[4]

	observed := []int64{status(t, svc, last.JobID, at).Position}

	_, err := svc.Cancel(ctx, model.CancelRequest{JobID: jobs[1].JobID, EmployeeID: "e2", Now: at})
	require.NoError(t, err)
	observed = append(observed, status(t, svc, last.JobID, at).Position)

	// later joins never push an earlier job back
	join(t, svc, "e6", "p1", at)
	observed = append(observed, status(t, svc, last.JobID, at).Position)

	_, err = svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	observed = append(observed, status(t, svc, last.JobID, at).Position)

	for i := 1; i < len(observed); i++ {
		assert.LessOrEqual(t, observed[i], observed[i-1], "positions: %v", observed)
	}
	assert.Equal(t, []int64{5, 4, 4, 2}, observed)
}

func TestStaleHeadIsSkipped(t *testing.T) {
	svc := openService(t, model.Options{StaleAfter: 30 * time.Second})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()
	at := base.Add(time.Minute)

	a := join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)
	status(t, svc, b.JobID, at.Add(20*time.Second))

	res, err := svc.Advance(ctx, "p1", at.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)
	require.Len(t, res.Released, 1)
	assert.Equal(t, b.JobID, res.Released[0].JobID)

	sa := status(t, svc, a.JobID, at.Add(32*time.Second))
	assert.Equal(t, model.JobExpired, sa.Status)
	assert.Equal(t, model.ReasonStale, sa.Reason)
	assert.Zero(t, sa.Position)
}

func TestExpireStaleLeavesOthersInPlace(t *testing.T) {
	svc := openService(t, model.Options{StaleAfter: 10 * time.Second})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()
	at := base.Add(time.Minute)

	a := join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)
	c := join(t, svc, "C", "p1", at)
	status(t, svc, a.JobID, at.Add(8*time.Second))
	status(t, svc, c.JobID, at.Add(8*time.Second))

	n, err := svc.ExpireStale(ctx, at.Add(12*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, model.JobExpired, status(t, svc, b.JobID, at.Add(12*time.Second)).Status)
	assert.Equal(t, int64(1), status(t, svc, a.JobID, at.Add(12*time.Second)).Position)
	sc := status(t, svc, c.JobID, at.Add(12*time.Second))
	assert.Equal(t, int64(2), sc.Position)
	assert.Equal(t, int64(3), sc.Ticket, "tickets are not reassigned")
}

func TestGatewayFailureFailsJobWithoutConsumingStock(t *testing.T) {
	gw := &fakeGateway{err: errors.New("order system down")}
	svc := openService(t, model.Options{Gateway: gw})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()
	at := base.Add(time.Minute)

	a := join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)

	res, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	assert.Empty(t, res.Released)
	assert.Equal(t, int64(1), res.Failed)

	sa := status(t, svc, a.JobID, at)
	assert.Equal(t, model.JobFailed, sa.Status)
	assert.Equal(t, model.ReasonBackendUnavailable, sa.Reason)
	assert.Equal(t, model.JobWaiting, status(t, svc, b.JobID, at).Status)

	_, w, err := svc.CurrentSale(ctx, "p1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.RemainingStock)

	gw.setErr(nil)
	res, err = svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	require.Len(t, res.Released, 1)
	assert.Equal(t, b.JobID, res.Released[0].JobID)
	require.Len(t, gw.submitted(), 1)
	assert.Equal(t, res.Released[0].OrderID, gw.submitted()[0].ID)
}

func TestCancelledDuringSubmitStillRecordsTheRelease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &fakeGateway{onSubmit: cancel}
	svc := openService(t, model.Options{Gateway: gw, ReleaseBatch: 2})
	seedProduct(t, svc, "p1", 2)
	at := base.Add(time.Minute)

	a := join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)

	res, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	require.Len(t, res.Released, 1, "the batch stops after the release in flight")
	require.Len(t, gw.submitted(), 1)

	sa := status(t, svc, a.JobID, at)
	assert.Equal(t, model.JobDone, sa.Status)
	assert.Equal(t, gw.submitted()[0].ID, sa.OrderID)
	o, err := svc.GetOrder(context.Background(), sa.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, o.Status)

	// the next tick carries on with B and never submits A again
	res, err = svc.Advance(context.Background(), "p1", at)
	require.NoError(t, err)
	require.Len(t, res.Released, 1)
	assert.Equal(t, b.JobID, res.Released[0].JobID)

	subs := gw.submitted()
	require.Len(t, subs, 2)
	assert.Equal(t, a.JobID, subs[0].JobID)
	assert.Equal(t, b.JobID, subs[1].JobID)
}

func TestSoldOutFailsRemainingWaiters(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()
	at := base.Add(time.Minute)

	a := join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)

	_, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	sa := status(t, svc, a.JobID, at)

	o, err := svc.CompleteOrder(ctx, sa.OrderID, at)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, o.Status)

	res, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonSoldOut, res.Reason)

	sb := status(t, svc, b.JobID, at)
	assert.Equal(t, model.JobFailed, sb.Status)
	assert.Equal(t, model.ReasonSoldOut, sb.Reason)
}

func TestSaleEndFailsWaiters(t *testing.T) {
	svc := openService(t, model.Options{StaleAfter: 2 * time.Hour})
	ctx := context.Background()

	_, err := svc.UpsertProduct(ctx, model.Product{
		ID: "p2", Name: "Monitor", SaleStart: base, SaleEnd: base.Add(time.Hour), TotalStock: 1,
	}, base)
	require.NoError(t, err)

	a := join(t, svc, "A", "p2", base.Add(time.Minute))
	b := join(t, svc, "B", "p2", base.Add(time.Minute))
	_, err = svc.Advance(ctx, "p2", base.Add(time.Minute))
	require.NoError(t, err)

	res, err := svc.Advance(ctx, "p2", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonSaleEnded, res.Reason)
	assert.Equal(t, model.JobDone, status(t, svc, a.JobID, base.Add(time.Hour)).Status)
	assert.Equal(t, model.ReasonSaleEnded, status(t, svc, b.JobID, base.Add(time.Hour)).Reason)
}

func TestCancelReleasesPlaceInLine(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()
	at := base.Add(time.Minute)

	join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)
	c := join(t, svc, "C", "p1", at)

	_, err := svc.Cancel(ctx, model.CancelRequest{JobID: b.JobID, EmployeeID: "someone-else", Now: at})
	assert.ErrorIs(t, err, model.ErrJobNotFound)

	res, err := svc.Cancel(ctx, model.CancelRequest{JobID: b.JobID, EmployeeID: "B", Now: at})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, model.JobCancelled, res.Status)

	again, err := svc.Cancel(ctx, model.CancelRequest{JobID: b.JobID, EmployeeID: "B", Now: at})
	require.NoError(t, err)
	assert.False(t, again.Cancelled)
	assert.Equal(t, model.JobCancelled, again.Status)

	assert.Equal(t, int64(2), status(t, svc, c.JobID, at).Position)

	// B may rejoin at the back of the line
	rejoin := join(t, svc, "B", "p1", at)
	assert.Equal(t, int64(4), rejoin.Ticket)
	assert.Equal(t, int64(3), rejoin.Position)
}

func TestMaxInCheckoutReleasesInBatches(t *testing.T) {
	svc := openService(t, model.Options{MaxInCheckout: 1})
	seedProduct(t, svc, "p1", 3)
	ctx := context.Background()
	at := base.Add(time.Minute)

	a := join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)

	res, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	require.Len(t, res.Released, 1)
	assert.Equal(t, a.JobID, res.Released[0].JobID)
	assert.Equal(t, model.JobWaiting, status(t, svc, b.JobID, at).Status)

	_, err = svc.CompleteOrder(ctx, res.Released[0].OrderID, at)
	require.NoError(t, err)

	res, err = svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	require.Len(t, res.Released, 1)
	assert.Equal(t, b.JobID, res.Released[0].JobID)
}

func TestReleaseBatchLimit(t *testing.T) {
	svc := openService(t, model.Options{ReleaseBatch: 2})
	seedProduct(t, svc, "p1", 10)
	ctx := context.Background()
	at := base.Add(time.Minute)

	for _, e := range []string{"a", "b", "c", "d", "e"} {
		join(t, svc, e, "p1", at)
	}
	res, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	assert.Len(t, res.Released, 2)
	assert.Equal(t, int64(1), res.Released[0].Ticket)
	assert.Equal(t, int64(2), res.Released[1].Ticket)
}

func TestOrderCallbacks(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 2)
	ctx := context.Background()
	at := base.Add(time.Minute)

	join(t, svc, "A", "p1", at)
	join(t, svc, "B", "p1", at)
	res, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)
	require.Len(t, res.Released, 2)
	paidID, cancelID := res.Released[0].OrderID, res.Released[1].OrderID

	_, err = svc.CompleteOrder(ctx, paidID, at)
	require.NoError(t, err)
	o, err := svc.CompleteOrder(ctx, paidID, at)
	require.NoError(t, err, "completing twice is a no-op")
	assert.Equal(t, model.OrderPaid, o.Status)

	_, err = svc.CancelOrder(ctx, paidID, at)
	assert.ErrorIs(t, err, model.ErrOrderClosed)

	_, err = svc.CancelOrder(ctx, cancelID, at)
	require.NoError(t, err)
	_, err = svc.CancelOrder(ctx, cancelID, at)
	require.NoError(t, err, "cancelling twice is a no-op")
	_, err = svc.CompleteOrder(ctx, cancelID, at)
	assert.ErrorIs(t, err, model.ErrOrderClosed)

	_, w, err := svc.CurrentSale(ctx, "p1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.RemainingStock, "one unit paid, the cancelled one returned")

	_, err = svc.CompleteOrder(ctx, "missing", at)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestPurgeTerminal(t *testing.T) {
	svc := openService(t, model.Options{Retention: time.Hour})
	seedProduct(t, svc, "p1", 1)
	ctx := context.Background()
	at := base.Add(time.Minute)

	a := join(t, svc, "A", "p1", at)
	b := join(t, svc, "B", "p1", at)
	_, err := svc.Cancel(ctx, model.CancelRequest{JobID: a.JobID, EmployeeID: "A", Now: at})
	require.NoError(t, err)

	n, err := svc.PurgeTerminal(ctx, at.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.PurgeTerminal(ctx, at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Status(ctx, a.JobID, at)
	assert.ErrorIs(t, err, model.ErrJobNotFound)
	_, err = svc.Status(ctx, b.JobID, at)
	assert.NoError(t, err, "waiting jobs are never purged")
}

func TestUpsertProductKeepsSoldUnits(t *testing.T) {
	svc := openService(t, model.Options{})
	seedProduct(t, svc, "p1", 3)
	ctx := context.Background()
	at := base.Add(time.Minute)

	join(t, svc, "A", "p1", at)
	_, err := svc.Advance(ctx, "p1", at)
	require.NoError(t, err)

	p, err := svc.UpsertProduct(ctx, model.Product{
		ID: "p1", Name: "Laptop", SaleStart: base, SaleEnd: base.Add(2 * time.Hour), TotalStock: 5,
	}, at)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.TotalStock)
	assert.Equal(t, int64(4), p.RemainingStock)

	_, err = svc.UpsertProduct(ctx, model.Product{ID: "p1", Name: "x", SaleStart: base, SaleEnd: base}, at)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
