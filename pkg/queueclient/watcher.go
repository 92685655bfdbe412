package queueclient

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SaleAPI is what a SaleWatcher polls. *Client satisfies it.
type SaleAPI interface {
	CurrentSale(ctx context.Context, productID string) (CurrentSale, error)
}

// SaleView is the watcher's current belief about the sale.
type SaleView struct {
	Known             bool // false until the first fetch succeeds
	Product           Product
	Status            string
	SaleStart         time.Time
	SecondsUntilStart int64
	RemainingStock    int64
	FetchedAt         time.Time
	LastErr           error // error of the most recent fetch, if it failed
}

type WatcherOptions struct {
	FetchEvery time.Duration // default 10s
	TickEvery  time.Duration // default 1s
	Clock      Clock
	Logger     *zap.Logger
	OnUpdate   func(SaleView)
}

// SaleWatcher keeps a local view of the sale window. It fetches on a slow
// cadence and, in between, counts the countdown down from the last snapshot.
// When the countdown reaches zero it asks the server again instead of
// assuming the sale has opened.
type SaleWatcher struct {
	api       SaleAPI
	productID string
	opts      WatcherOptions
	clock     Clock
	log       *zap.Logger

	mu      sync.Mutex
	snap    *CurrentSale
	fetched time.Time
	view    SaleView
}

func NewSaleWatcher(api SaleAPI, productID string, opts WatcherOptions) *SaleWatcher {
	if opts.FetchEvery <= 0 {
		opts.FetchEvery = 10 * time.Second
	}
	if opts.TickEvery <= 0 {
		opts.TickEvery = time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &SaleWatcher{api: api, productID: productID, opts: opts, clock: clock, log: log}
}

// Run ticks until ctx is done.
func (w *SaleWatcher) Run(ctx context.Context) error {
	w.Tick(ctx)
	for {
		fire := make(chan struct{})
		t := w.clock.AfterFunc(w.opts.TickEvery, func() { close(fire) })
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-fire:
			w.Tick(ctx)
		}
	}
}

// Tick recomputes the view and fetches when due.
func (w *SaleWatcher) Tick(ctx context.Context) SaleView {
	now := w.clock.Now()

	w.mu.Lock()
	prev := w.extrapolate(now)
	due := w.snap == nil || now.Sub(w.fetched) >= w.opts.FetchEvery
	if !due && prev.Status == SaleBefore && prev.SecondsUntilStart == 0 {
		due = true
	}
	w.mu.Unlock()

	var fetchErr error
	if due {
		cs, err := w.api.CurrentSale(ctx, w.productID)
		fetchErr = err
		w.mu.Lock()
		if err == nil {
			holdCountdown(prev, &cs)
			w.snap = &cs
			w.fetched = now
		}
		w.mu.Unlock()
		if err != nil {
			w.log.Warn("sale fetch failed", zap.String("product", w.productID), zap.Error(err))
		}
	}

	w.mu.Lock()
	v := w.extrapolate(now)
	v.LastErr = fetchErr
	w.view = v
	w.mu.Unlock()

	if w.opts.OnUpdate != nil {
		w.opts.OnUpdate(v)
	}
	return v
}

func (w *SaleWatcher) View() SaleView {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view
}

// holdCountdown keeps a refetch from moving the countdown back up. The server
// rounds up and the request takes time, so a fresh answer can be a second
// above the local count. A moved sale start is taken as is.
func holdCountdown(prev SaleView, cs *CurrentSale) {
	if !prev.Known || prev.Status != SaleBefore || cs.Sale.Status != SaleBefore {
		return
	}
	if !cs.Sale.SaleStart.Equal(prev.SaleStart) {
		return
	}
	if cs.Sale.SecondsUntilStart > prev.SecondsUntilStart {
		cs.Sale.SecondsUntilStart = prev.SecondsUntilStart
	}
}

// extrapolate derives the view from the last snapshot. Caller holds w.mu.
func (w *SaleWatcher) extrapolate(now time.Time) SaleView {
	if w.snap == nil {
		return SaleView{}
	}
	v := SaleView{
		Known:          true,
		Product:        w.snap.Product,
		Status:         w.snap.Sale.Status,
		SaleStart:      w.snap.Sale.SaleStart,
		RemainingStock: w.snap.Sale.RemainingStock,
		FetchedAt:      w.fetched,
	}
	if v.Status == SaleBefore {
		elapsed := int64(now.Sub(w.fetched) / time.Second)
		left := w.snap.Sale.SecondsUntilStart - elapsed
		if left < 0 {
			left = 0
		}
		v.SecondsUntilStart = left
	}
	return v
}
