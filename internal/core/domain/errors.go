package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrStorageFault      = errors.New("storage fault")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")
)

// InsufficientStockError is a business rejection, not a fault.
type InsufficientStockError struct {
	EntityID  string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("cannot fulfill order: %s has %d available, %d requested", e.EntityID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func (e *InsufficientStockError) Shortfall() int64 {
	return e.Requested - e.Available
}

// StorageError marks an infrastructure failure. Callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageFault, e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFault
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsBusinessError reports whether err is an expected outcome rather than
// an infrastructure failure.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidRequest)
}
