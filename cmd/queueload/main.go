package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"salequeue/pkg/queueclient"
)

// ledger collects what the clients observed so the run can be checked
// against the coordinator's guarantees afterwards.
type ledger struct {
	mu      sync.Mutex
	tickets map[int64]string
	orders  map[string]string
	dupes   int64
}

func newLedger() *ledger {
	return &ledger{tickets: map[int64]string{}, orders: map[string]string{}}
}

func (l *ledger) ticket(t int64, employee string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tickets[t]; ok {
		l.dupes++
	}
	l.tickets[t] = employee
}

func (l *ledger) order(id, employee string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[id]; ok {
		l.dupes++
	}
	l.orders[id] = employee
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "queueserver base URL")
		product  = flag.String("product", "load-laptop", "product id to sell")
		clients  = flag.Int("clients", 200, "number of employees")
		stock    = flag.Int64("stock", 20, "units on sale")
		joinRate = flag.Float64("rate", 100, "joins per second")
		interval = flag.Duration("interval", 500*time.Millisecond, "status poll interval")
		duration = flag.Duration("duration", 60*time.Second, "test duration")
		payRate  = flag.Float64("payrate", 0.7, "probability a released employee pays; the rest abandon checkout")
		dropRate = flag.Float64("droprate", 0.05, "probability an employee closes the tab while waiting")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	c := queueclient.New(*baseURL, nil)

	start := time.Now().Truncate(time.Second)
	if _, err := c.UpsertProduct(ctx, *product, queueclient.ProductSpec{
		Name:       "Load test " + *product,
		Price:      100,
		SaleStart:  start,
		SaleEnd:    start.Add(*duration + time.Minute),
		TotalStock: *stock,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "seed product: %v\n", err)
		os.Exit(1)
	}

	var (
		released, failed, blocked, cancelled, dropped int64
		paid, abandoned, errCount                     int64
	)
	book := newLedger()
	lim := rate.NewLimiter(rate.Limit(*joinRate), 1)

	g, gctx := errgroup.WithContext(ctx)
	began := time.Now()

	for i := 0; i < *clients; i++ {
		if err := lim.Wait(gctx); err != nil {
			break
		}
		employee := fmt.Sprintf("emp-%05d", i)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))

			var joined atomic.Bool
			sess := queueclient.NewSession(c, employee, *product, queueclient.SessionOptions{
				PollInterval: *interval,
				OnChange: func(s queueclient.State) {
					if s.Phase == queueclient.PhaseWaiting && joined.CompareAndSwap(false, true) {
						book.ticket(s.Ticket, employee)
					}
				},
				OnRelease: func(orderID string) {
					book.order(orderID, employee)
				},
			})
			defer sess.Close()

			if err := sess.Start(gctx); err != nil {
				atomic.AddInt64(&errCount, 1)
				return nil
			}

			if rng.Float64() < *dropRate {
				time.Sleep(time.Duration(rng.Int63n(int64(2 * *interval))))
				if err := sess.Cancel(gctx); err != nil {
					atomic.AddInt64(&errCount, 1)
				}
				atomic.AddInt64(&dropped, 1)
				return nil
			}

			st, err := sess.Wait(gctx)
			if err != nil {
				return nil // run over
			}
			switch st.Phase {
			case queueclient.PhaseDone:
				atomic.AddInt64(&released, 1)
				if rng.Float64() < *payRate {
					_, err = c.CompleteOrder(gctx, st.OrderID)
					atomic.AddInt64(&paid, 1)
				} else {
					_, err = c.CancelOrder(gctx, st.OrderID)
					atomic.AddInt64(&abandoned, 1)
				}
				if err != nil {
					atomic.AddInt64(&errCount, 1)
				}
			case queueclient.PhaseBlocked:
				atomic.AddInt64(&blocked, 1)
			case queueclient.PhaseCancelled:
				atomic.AddInt64(&cancelled, 1)
			default:
				atomic.AddInt64(&failed, 1)
			}
			return nil
		})
	}

	_ = g.Wait()
	elapsed := time.Since(began)

	cs, err := c.CurrentSale(context.Background(), *product)
	if err != nil {
		fmt.Fprintf(os.Stderr, "final sale fetch: %v\n", err)
	}

	fmt.Println("=== Sale Queue Load Test ===")
	fmt.Printf("duration: %s, clients: %d, stock: %d\n", elapsed, *clients, *stock)
	fmt.Printf("released:        %d\n", released)
	fmt.Printf("paid:            %d\n", paid)
	fmt.Printf("abandoned:       %d\n", abandoned)
	fmt.Printf("failed:          %d\n", failed)
	fmt.Printf("blocked:         %d\n", blocked)
	fmt.Printf("dropped:         %d\n", dropped+cancelled)
	fmt.Printf("errors:          %d\n", errCount)
	fmt.Printf("remaining_stock: %d\n", cs.Sale.RemainingStock)

	// Every unit is either paid, held by a pending order or back on the shelf,
	// and abandoned units are re-released, so paid can never exceed stock.
	ok := true
	if paid > *stock {
		fmt.Printf("VIOLATION: paid %d > stock %d\n", paid, *stock)
		ok = false
	}
	if book.dupes > 0 {
		fmt.Printf("VIOLATION: %d duplicate tickets or orders\n", book.dupes)
		ok = false
	}
	if !ok {
		os.Exit(2)
	}
	fmt.Println("invariants: ok")
}
