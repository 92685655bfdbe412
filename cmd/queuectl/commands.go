package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"salequeue/pkg/queueclient"
)

type clientFn func() *queueclient.Client

// SaleCmd returns the sale command
func SaleCmd(client clientFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Show the sale window",
		Long:  `Show the current sale window. With --watch, keep a local countdown until the sale opens or closes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			product, _ := cmd.Flags().GetString("product")
			watch, _ := cmd.Flags().GetBool("watch")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !watch {
				cs, err := client().CurrentSale(ctx, product)
				if err != nil {
					return fmt.Errorf("failed to fetch sale: %w", err)
				}
				printSale(cs.Product, cs.Sale.Status, cs.Sale.SecondsUntilStart, cs.Sale.RemainingStock)
				return nil
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			w := queueclient.NewSaleWatcher(client(), product, queueclient.WatcherOptions{
				OnUpdate: func(v queueclient.SaleView) {
					switch {
					case !v.Known:
						fmt.Printf("sale unknown: %v\n", v.LastErr)
					default:
						printSale(v.Product, v.Status, v.SecondsUntilStart, v.RemainingStock)
						if v.Status != queueclient.SaleBefore {
							cancel()
						}
					}
				},
			})
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringP("product", "p", "", "Product id (default: current event)")
	cmd.Flags().BoolP("watch", "w", false, "Count down until the sale opens")
	return cmd
}

func printSale(p queueclient.Product, status string, until, remaining int64) {
	switch status {
	case queueclient.SaleBefore:
		fmt.Printf("%s (%s): opens in %s, %d units\n", p.Name, p.ProductID, time.Duration(until)*time.Second, remaining)
	case queueclient.SaleDuring:
		fmt.Printf("%s (%s): open, %d of %d left\n", p.Name, p.ProductID, remaining, p.TotalStock)
	default:
		fmt.Printf("%s (%s): closed\n", p.Name, p.ProductID)
	}
}

// CheckCmd returns the check command
func CheckCmd(client clientFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <employee> <product>",
		Short: "Check for an active order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().CheckActiveOrder(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !res.HasActiveOrder {
				fmt.Println("No active order")
				return nil
			}
			fmt.Printf("Active order in progress (job=%s order=%s)\n", res.JobID, res.OrderID)
			return nil
		},
	}
	return cmd
}

// JoinCmd returns the join command
func JoinCmd(client clientFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <employee> <product>",
		Short: "Join the line and wait for a release",
		Long:  `Join the line and poll until released. Ctrl-C cancels and gives the place up.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			keep, _ := cmd.Flags().GetBool("keep")

			sess := queueclient.NewSession(client(), args[0], args[1], queueclient.SessionOptions{
				PollInterval: interval,
				KeepOnCancel: keep,
				OnChange: func(s queueclient.State) {
					switch s.Phase {
					case queueclient.PhaseWaiting:
						fmt.Printf("waiting: position %d (ticket %d)\n", s.Position, s.Ticket)
					case queueclient.PhaseLoading:
						fmt.Println("joining...")
					default:
						fmt.Printf("%s", s.Phase)
						if s.Reason != "" {
							fmt.Printf(": %s", s.Reason)
						}
						if s.Err != nil {
							fmt.Printf(": %v", s.Err)
						}
						fmt.Println()
					}
				},
				OnRelease: func(orderID string) {
					fmt.Printf("released: continue to checkout with order %s\n", orderID)
				},
			})
			defer sess.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sess.Start(cmd.Context()); err != nil {
				return err
			}
			st, err := sess.Wait(ctx)
			if err != nil {
				cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return sess.Cancel(cctx)
			}
			if st.Phase == queueclient.PhaseFailed {
				return fmt.Errorf("not released")
			}
			return nil
		},
	}
	cmd.Flags().Duration("interval", queueclient.DefaultPollInterval, "Status poll interval")
	cmd.Flags().Bool("keep", false, "Keep the job on the server when cancelled")
	return cmd
}

// StatusCmd returns the status command
func StatusCmd(client clientFn, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()
			js, err := client().Status(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s\n", js.JobID)
			fmt.Printf("  Status: %s\n", js.Status)
			fmt.Printf("  Ticket: %d\n", js.Ticket)
			if js.Status == queueclient.JobWaiting {
				fmt.Printf("  Position: %d\n", js.Position)
			}
			if js.Reason != "" {
				fmt.Printf("  Reason: %s\n", js.Reason)
			}
			if js.Result != nil {
				fmt.Printf("  Order: %s\n", js.Result.OrderID)
			}
			return nil
		},
	}
}

// CancelCmd returns the cancel command
func CancelCmd(client clientFn, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobId> <employee>",
		Short: "Give up a place in line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()
			res, err := client().Cancel(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if res.Cancelled {
				fmt.Println("Cancelled")
				return nil
			}
			fmt.Printf("Nothing to cancel, job is %s\n", res.Status)
			return nil
		},
	}
}

// ProductCmd returns the product command group
func ProductCmd(client clientFn, timeout *time.Duration) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Manage sale products",
	}

	put := &cobra.Command{
		Use:   "put <productId>",
		Short: "Create or reconfigure a sale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			price, _ := cmd.Flags().GetInt64("price")
			stock, _ := cmd.Flags().GetInt64("stock")
			startS, _ := cmd.Flags().GetString("start")
			dur, _ := cmd.Flags().GetDuration("duration")

			start := time.Now().Add(time.Minute).Truncate(time.Second)
			if startS != "" {
				t, err := time.Parse(time.RFC3339, startS)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				start = t
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()
			p, err := client().UpsertProduct(ctx, args[0], queueclient.ProductSpec{
				Name:       name,
				Price:      price,
				SaleStart:  start,
				SaleEnd:    start.Add(dur),
				TotalStock: stock,
			})
			if err != nil {
				return fmt.Errorf("failed to save product: %w", err)
			}
			fmt.Printf("Product saved:\n")
			fmt.Printf("  ID: %s\n", p.ProductID)
			fmt.Printf("  Window: %s - %s\n", p.SaleStart.Format(time.RFC3339), p.SaleEnd.Format(time.RFC3339))
			fmt.Printf("  Stock: %d of %d\n", p.RemainingStock, p.TotalStock)
			return nil
		},
	}
	put.Flags().String("name", "", "Display name")
	put.Flags().Int64("price", 0, "Price in minor units")
	put.Flags().Int64("stock", 1, "Total units")
	put.Flags().String("start", "", "Sale start, RFC3339 (default: in one minute)")
	put.Flags().Duration("duration", time.Hour, "Sale length")

	cmd.AddCommand(put)
	return cmd
}

// OrderCmd returns the order command group, used to play the payment side.
func OrderCmd(client clientFn, timeout *time.Duration) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Complete or abandon checkout orders",
	}
	run := func(complete bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()
			var (
				res queueclient.OrderResult
				err error
			)
			if complete {
				res, err = client().CompleteOrder(ctx, args[0])
			} else {
				res, err = client().CancelOrder(ctx, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("Order %s is %s\n", res.OrderID, res.Status)
			return nil
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "complete <orderId>", Short: "Mark an order paid", Args: cobra.ExactArgs(1), RunE: run(true)},
		&cobra.Command{Use: "cancel <orderId>", Short: "Abandon an order and return its unit", Args: cobra.ExactArgs(1), RunE: run(false)},
	)
	return cmd
}
