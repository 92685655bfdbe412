// Package handoff delivers released orders to the checkout/payment worker
// through an asynq queue.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"salequeue/internal/model"
)

// TaskCheckoutOrder is the asynq task type consumed by the payment worker.
const TaskCheckoutOrder = "checkout:order"

// OrderPayload is the JSON body of a checkout:order task.
type OrderPayload struct {
	OrderID       string    `json:"orderId"`
	JobID         string    `json:"jobId"`
	EmployeeID    string    `json:"employeeId"`
	ProductID     string    `json:"productId"`
	HoldExpiresAt time.Time `json:"holdExpiresAt"`
}

type Options struct {
	Addr     string
	Password string
	Queue    string
	MaxRetry int
}

func (o Options) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password}
}

// Gateway implements model.OrderGateway. The task id is the order id, so
// enqueuing the same order twice leaves a single task.
type Gateway struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
}

var (
	_ model.OrderGateway    = (*Gateway)(nil)
	_ model.OrderWithdrawer = (*Gateway)(nil)
)

func NewGateway(opts Options) *Gateway {
	q := opts.Queue
	if q == "" {
		q = "checkout"
	}
	retry := opts.MaxRetry
	if retry <= 0 {
		retry = 5
	}
	return &Gateway{
		client:    asynq.NewClient(opts.redisOpt()),
		inspector: asynq.NewInspector(opts.redisOpt()),
		queue:     q,
		maxRetry:  retry,
	}
}

func (g *Gateway) Submit(ctx context.Context, o model.Order) error {
	payload, err := json.Marshal(OrderPayload{
		OrderID:       o.ID,
		JobID:         o.JobID,
		EmployeeID:    o.EmployeeID,
		ProductID:     o.ProductID,
		HoldExpiresAt: o.HoldExpiresAt.UTC(),
	})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskCheckoutOrder, payload)
	_, err = g.client.EnqueueContext(ctx, task,
		asynq.TaskID(o.ID),
		asynq.Queue(g.queue),
		asynq.MaxRetry(g.maxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", o.ID, err)
	}
	return nil
}

// Withdraw deletes the task of an order that was never committed. A task
// that is already gone, or already running, is not an error for the ledger.
func (g *Gateway) Withdraw(_ context.Context, orderID string) error {
	err := g.inspector.DeleteTask(g.queue, orderID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", orderID, err)
	}
	return nil
}

func (g *Gateway) Close() error {
	var err error
	if g.client != nil {
		err = g.client.Close()
	}
	if g.inspector != nil {
		if ierr := g.inspector.Close(); err == nil {
			err = ierr
		}
	}
	return err
}

// Ping checks that the handoff Redis answers. The server calls it at
// startup so a bad address fails fast instead of failing every release.
func Ping(ctx context.Context, opts Options) error {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", opts.Addr, err)
	}
	return nil
}

// ParsePayload decodes a checkout:order task body.
func ParsePayload(t *asynq.Task) (OrderPayload, error) {
	var p OrderPayload
	if t.Type() != TaskCheckoutOrder {
		return p, fmt.Errorf("unexpected task type %q", t.Type())
	}
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, err
	}
	return p, nil
}
