package orders

import (
	"context"
	"errors"

	"github.com/imrishuroy/go-storefront-payments/internal/inventory"
)

var (
	// ErrStatusMismatch is returned when a conditional status update finds
	// the order in a different status than expected.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrNotFound is returned for missing orders and cards on write paths.
	ErrNotFound = errors.New("not found")
	// ErrContention is returned when stock kept changing under TryMarkPaid
	// or TransitionWithRestock for every attempt.
	ErrContention = errors.New("stock contention: retries exhausted")
)

// Repository is the persistence contract shared by the DynamoDB, MySQL and
// in-memory backends. Reads return (nil, nil) for missing records.
type Repository interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	AttachPreference(ctx context.Context, orderID, preferenceID string) error
	// Reopen moves a FAILED order back to PENDING for a new intent.
	Reopen(ctx context.Context, orderID string) error
	// UpdateStatus moves expected -> next without touching stock.
	UpdateStatus(ctx context.Context, orderID string, expected, next Status) error
	// TryMarkPaid is the single PENDING -> PAID serialization point. In one
	// unit of work it flips the status, records p and decrements stock.
	// applied is false when the order was no longer PENDING.
	TryMarkPaid(ctx context.Context, orderID string, p Payment) (applied bool, err error)
	// TransitionWithRestock moves expected -> next and restores the order's
	// stock in the same unit of work.
	TransitionWithRestock(ctx context.Context, orderID string, expected, next Status) error
	ListPayments(ctx context.Context, orderID string) ([]Payment, error)

	GetProducts(ctx context.Context, productIDs []string) (map[string]Product, error)
	PutProduct(ctx context.Context, p Product) error

	SaveCard(ctx context.Context, c Card) error
	GetCard(ctx context.Context, cardID string) (*Card, error)
	ListCards(ctx context.Context, userID string) ([]Card, error)
	DeactivateCard(ctx context.Context, userID, cardID string) error
}

// InventoryLines converts order items into adjuster lines.
func InventoryLines(items []LineItem) []inventory.Line {
	out := make([]inventory.Line, 0, len(items))
	for _, it := range items {
		out = append(out, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// ProductIDs lists the distinct products referenced by items.
func ProductIDs(items []LineItem) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			out = append(out, it.ProductID)
		}
	}
	return out
}

// StockLevels builds adjuster levels from products.
func StockLevels(products map[string]Product) map[string]inventory.Level {
	out := make(map[string]inventory.Level, len(products))
	for id, p := range products {
		out[id] = inventory.Level{Stock: p.Stock, Version: p.Version}
	}
	return out
}
