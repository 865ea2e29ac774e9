package utils

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrderSample marks a sample older than the buffer allows.
	ErrOutOfOrderSample = errors.New("out-of-order sample")
	// ErrUnknownMetric marks a query or ingest against a metric never registered.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrNoData marks a registered metric that holds no samples yet.
	ErrNoData = errors.New("no data")
	// ErrInvalidBudgetConfig marks a budget rejected at registration.
	ErrInvalidBudgetConfig = errors.New("invalid budget config")
	// ErrMetricExists marks a duplicate registration.
	ErrMetricExists = errors.New("metric already registered")
	// ErrInvalidArgument marks malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}
