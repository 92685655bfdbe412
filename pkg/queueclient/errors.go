package queueclient

import (
	"errors"
	"fmt"
)

// Rejection codes returned by the coordinator.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeActiveOrder  = "ACTIVE_ORDER"
	CodeSaleNotOpen  = "SALE_NOT_OPEN"
	CodeNotFound     = "NOT_FOUND"
	CodeBusy         = "BUSY"
	CodeOrderClosed  = "ORDER_CLOSED"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrClosed         = errors.New("session closed")
	ErrNoOrder        = errors.New("job done without an order id")
)

// RejectedError is a request the coordinator understood and refused.
type RejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsRejected reports whether err is a rejection with the given code.
func IsRejected(err error, code string) bool {
	var re *RejectedError
	return errors.As(err, &re) && re.Code == code
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
