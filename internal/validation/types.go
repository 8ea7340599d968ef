package validation

// CartItem is one requested product line.
type CartItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=1000"` // positive integer
}

// CreateIntentRequest is the payload for POST /payments/create. Items are
// required unless an existing order is being retried.
type CreateIntentRequest struct {
	OrderID    string     `json:"order_id,omitempty"`
	Items      []CartItem `json:"items,omitempty" validate:"omitempty,max=100,dive"`
	PayerEmail string     `json:"payer_email,omitempty" validate:"omitempty,email"`
}

// PayWithCardRequest is the payload for POST /payments/pay-with-card.
type PayWithCardRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	CardID  string `json:"card_id" validate:"required"`
}

// SaveCardRequest is the payload for POST /cards.
type SaveCardRequest struct {
	CardNumber string `json:"card_number" validate:"required,numeric,min=12,max=19"`
	HolderName string `json:"holder_name" validate:"required,max=100"`
	ExpMonth   int    `json:"expiration_month" validate:"required,min=1,max=12"`
	ExpYear    int    `json:"expiration_year" validate:"required,min=2000,max=2100"`
	CVV        string `json:"security_code" validate:"required,numeric,min=3,max=4"`
}

// AdminStatusRequest is the payload for PATCH /admin/orders/:id/status.
type AdminStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING PAID FAILED CANCELLED REFUNDED DISPUTED"`
	Note   string `json:"note,omitempty" validate:"max=500"`
}
