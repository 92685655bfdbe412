package model

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProductNotFound   = errors.New("product not found")
	ErrJobNotFound       = errors.New("job not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrSaleNotOpen       = errors.New("sale is not open")
	ErrActiveOrderExists = errors.New("active order already exists")
	ErrOrderClosed       = errors.New("order is closed")
	ErrBusy              = errors.New("ledger busy, retry")
)

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

func isSQLiteConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
