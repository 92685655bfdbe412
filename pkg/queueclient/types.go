package queueclient

import "time"

type CheckResult struct {
	HasActiveOrder bool   `json:"hasActiveOrder"`
	JobID          string `json:"jobId,omitempty"`
	OrderID        string `json:"orderId,omitempty"`
}

type JoinResult struct {
	JobID    string `json:"jobId"`
	Position int64  `json:"position"`
	Ticket   int64  `json:"ticket"`
}

// Job statuses as reported by the coordinator.
const (
	JobWaiting   = "waiting"
	JobDone      = "done"
	JobFailed    = "failed"
	JobExpired   = "expired"
	JobCancelled = "cancelled"
)

type JobResult struct {
	OrderID string `json:"orderId"`
}

type JobStatus struct {
	JobID    string     `json:"jobId"`
	Status   string     `json:"status"`
	Position int64      `json:"position,omitempty"`
	Ticket   int64      `json:"ticket"`
	Reason   string     `json:"reason,omitempty"`
	Result   *JobResult `json:"result,omitempty"`
}

type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

// Sale statuses.
const (
	SaleBefore = "before"
	SaleDuring = "during"
	SaleAfter  = "after"
)

type Product struct {
	ProductID      string    `json:"productId"`
	Name           string    `json:"name"`
	Price          int64     `json:"price"`
	SaleStart      time.Time `json:"saleStart"`
	SaleEnd        time.Time `json:"saleEnd"`
	TotalStock     int64     `json:"totalStock"`
	RemainingStock int64     `json:"remainingStock"`
}

type SaleWindow struct {
	SaleStart         time.Time `json:"saleStart"`
	SaleEnd           time.Time `json:"saleEnd"`
	TotalStock        int64     `json:"totalStock"`
	RemainingStock    int64     `json:"remainingStock"`
	Status            string    `json:"status"`
	SecondsUntilStart int64     `json:"secondsUntilStart"`
}

type CurrentSale struct {
	Product Product    `json:"product"`
	Sale    SaleWindow `json:"sale"`
}

// ProductSpec is the operator's definition of a sale.
type ProductSpec struct {
	Name       string    `json:"name"`
	Price      int64     `json:"price"`
	SaleStart  time.Time `json:"saleStart"`
	SaleEnd    time.Time `json:"saleEnd"`
	TotalStock int64     `json:"totalStock"`
}

type OrderResult struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}
