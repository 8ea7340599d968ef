package payments

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrExternalService   = errors.New("payment processor unavailable")
	ErrOrderNotFound     = errors.New("order not found")
	ErrForbidden         = errors.New("order belongs to another user")
	ErrOrderNotPayable   = errors.New("order is not payable")
	ErrNotCancellable    = errors.New("order is not cancellable")
	ErrCardNotFound      = errors.New("card not found")
	ErrCardInactive      = errors.New("card is inactive")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrConflict          = errors.New("order changed concurrently")
)

// StockError names the product that failed the advisory stock check.
type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool { return target == ErrInsufficientStock }

// ExternalServiceError carries the order left PENDING when the processor
// call failed, so the client can retry against it.
type ExternalServiceError struct {
	OrderID string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("processor call for order %s failed: %v", e.OrderID, e.Err)
}

func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalService }

func (e *ExternalServiceError) Unwrap() error { return e.Err }
