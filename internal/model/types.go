package model

import "time"

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobExpired   JobStatus = "expired"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool { return s != JobWaiting }

// Reasons recorded on jobs that did not end in done.
const (
	ReasonStale              = "STALE"
	ReasonSoldOut            = "SOLD_OUT"
	ReasonSaleEnded          = "SALE_ENDED"
	ReasonBackendUnavailable = "BACKEND_UNAVAILABLE"
	ReasonCancelled          = "CANCELLED"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

type SaleStatus string

const (
	SaleBefore SaleStatus = "before"
	SaleDuring SaleStatus = "during"
	SaleAfter  SaleStatus = "after"
)

type Product struct {
	ID             string
	Name           string
	Price          int64 // minor currency units
	SaleStart      time.Time
	SaleEnd        time.Time
	TotalStock     int64
	RemainingStock int64
	Version        int64
}

type SaleWindow struct {
	SaleStart         time.Time
	SaleEnd           time.Time
	TotalStock        int64
	RemainingStock    int64
	Status            SaleStatus
	SecondsUntilStart int64
}

type CheckRequest struct {
	EmployeeID string
	ProductID  string
}

type CheckResult struct {
	HasActiveOrder bool
	JobID          string // set when a waiting job is the active order
	OrderID        string // set when a pending or paid order is the active order
}

type JoinRequest struct {
	EmployeeID string
	ProductID  string
	Now        time.Time // injected for testability; if zero, service uses time.Now()
}

type JoinResult struct {
	JobID    string
	Ticket   int64
	Position int64
}

// JobSnapshot is what a status poll sees. Position is only meaningful while
// the job is waiting; it counts the waiting jobs ahead of it plus one.
type JobSnapshot struct {
	JobID        string
	EmployeeID   string
	ProductID    string
	Ticket       int64
	Position     int64
	Status       JobStatus
	Reason       string
	OrderID      string
	CreatedAt    time.Time
	LastPolledAt time.Time
	FinishedAt   time.Time
}

type CancelRequest struct {
	JobID      string
	EmployeeID string
	Now        time.Time
}

type CancelResult struct {
	Cancelled bool
	Status    JobStatus
}

type Order struct {
	ID            string
	JobID         string
	EmployeeID    string
	ProductID     string
	Status        OrderStatus
	HoldExpiresAt time.Time
	CreatedAt     time.Time
}

type Release struct {
	JobID      string
	OrderID    string
	EmployeeID string
	Ticket     int64
}

type AdvanceResult struct {
	Released []Release
	Expired  int64 // stale candidates skipped at the head of the line
	Failed   int64
	Reason   string // set when the whole line was closed (SOLD_OUT, SALE_ENDED)
}
