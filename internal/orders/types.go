package orders

import (
	"time"

	"github.com/imrishuroy/go-storefront-payments/internal/money"
)

// Status is the lifecycle state of an order.
type Status string

// Order statuses
const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
	StatusDisputed  Status = "DISPUTED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed, StatusCancelled, StatusRefunded, StatusDisputed:
		return true
	}
	return false
}

// IsTerminal is true for every status no automatic transition leaves
// except through a processor-reported refund or dispute.
func (s Status) IsTerminal() bool {
	return s.Valid() && s != StatusPending
}

// Payment methods recorded on Payment.Method.
const (
	MethodCheckout = "checkout"
	MethodCard     = "card"
	MethodManual   = "manual"
)

// LineItem is a product snapshot taken when the order is created. Line
// items are never rewritten after creation.
type LineItem struct {
	ProductID string      `json:"product_id" dynamodbav:"product_id"`
	Name      string      `json:"name" dynamodbav:"name"`
	Quantity  int         `json:"quantity" dynamodbav:"quantity"`
	UnitPrice money.Money `json:"unit_price" dynamodbav:"unit_price"`
}

// Subtotal is UnitPrice * Quantity.
func (li LineItem) Subtotal() money.Money {
	return li.UnitPrice.Times(li.Quantity)
}

// Order represents the item stored in the orders table.
type Order struct {
	OrderID      string      `json:"order_id" dynamodbav:"order_id"` // PK
	UserID       string      `json:"user_id" dynamodbav:"user_id"`
	Items        []LineItem  `json:"items" dynamodbav:"items"`
	Shipping     money.Money `json:"shipping" dynamodbav:"shipping"`
	Total        money.Money `json:"total" dynamodbav:"total"`
	Status       Status      `json:"status" dynamodbav:"status"`
	PreferenceID string      `json:"preference_id,omitempty" dynamodbav:"preference_id,omitempty"`
	PaymentID    string      `json:"payment_id,omitempty" dynamodbav:"payment_id,omitempty"` // payment that moved the order to PAID
	CreatedAt    time.Time   `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" dynamodbav:"updated_at"`
	PaidAt       *time.Time  `json:"paid_at,omitempty" dynamodbav:"paid_at,omitempty"`
	// ReopenedAt is set when a FAILED order is reopened for a new attempt.
	// Failure reports for payments created before it are stale.
	ReopenedAt *time.Time `json:"reopened_at,omitempty" dynamodbav:"reopened_at,omitempty"`
}

// NewOrder builds a PENDING order whose total is the sum of the line
// subtotals plus shipping.
func NewOrder(orderID, userID string, items []LineItem, shipping money.Money, now time.Time) *Order {
	subtotals := make([]money.Money, 0, len(items)+1)
	for _, it := range items {
		subtotals = append(subtotals, it.Subtotal())
	}
	subtotals = append(subtotals, shipping)
	return &Order{
		OrderID:   orderID,
		UserID:    userID,
		Items:     items,
		Shipping:  shipping,
		Total:     money.Sum(subtotals...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Payment is one processor attempt recorded against an order. Only the
// PENDING to PAID transition writes one.
type Payment struct {
	PaymentID      string      `json:"payment_id" dynamodbav:"payment_id"` // PK
	OrderID        string      `json:"order_id" dynamodbav:"order_id"`     // GSI order_id-index
	ExternalID     string      `json:"external_id" dynamodbav:"external_id"`
	ExternalStatus string      `json:"external_status" dynamodbav:"external_status"`
	StatusDetail   string      `json:"status_detail,omitempty" dynamodbav:"status_detail,omitempty"`
	Amount         money.Money `json:"amount" dynamodbav:"amount"`
	Method         string      `json:"method" dynamodbav:"method"`
	CreatedAt      time.Time   `json:"created_at" dynamodbav:"created_at"`
}

// Product is a catalog entry. Version increments on every stock write.
type Product struct {
	ProductID string      `json:"product_id" dynamodbav:"product_id"` // PK
	Name      string      `json:"name" dynamodbav:"name"`
	Price     money.Money `json:"price" dynamodbav:"price"`
	Stock     int         `json:"stock" dynamodbav:"stock"`
	Version   int         `json:"version" dynamodbav:"version"`
}

// Card is a tokenized card saved by a user.
type Card struct {
	CardID    string    `json:"card_id" dynamodbav:"card_id"` // PK
	UserID    string    `json:"user_id" dynamodbav:"user_id"` // GSI user_id-index
	Token     string    `json:"-" dynamodbav:"token"`
	Brand     string    `json:"brand" dynamodbav:"brand"`
	Last4     string    `json:"last4" dynamodbav:"last4"`
	Active    bool      `json:"active" dynamodbav:"active"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
}
