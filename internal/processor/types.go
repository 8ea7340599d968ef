package processor

import "time"

// BackURLs are the browser redirect targets after checkout.
type BackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// Item is one preference line.
type Item struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id,omitempty"`
}

// Payer identifies the buyer on a preference or payment.
type Payer struct {
	Email string `json:"email,omitempty"`
}

// Shipment carries the flat shipping cost of a preference.
type Shipment struct {
	Cost float64 `json:"cost"`
	Mode string  `json:"mode,omitempty"`
}

// PreferenceRequest is the body of POST /checkout/preferences.
type PreferenceRequest struct {
	Items             []Item    `json:"items"`
	Payer             *Payer    `json:"payer,omitempty"`
	Shipments         *Shipment `json:"shipments,omitempty"`
	BackURLs          BackURLs  `json:"back_urls"`
	AutoReturn        string    `json:"auto_return,omitempty"`
	NotificationURL   string    `json:"notification_url,omitempty"`
	ExternalReference string    `json:"external_reference"`
}

// Preference is the processor's checkout intent.
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point,omitempty"`
}

// Payment is the authoritative payment state returned by the processor.
type Payment struct {
	ID                int64      `json:"id"`
	Status            string     `json:"status"`
	StatusDetail      string     `json:"status_detail"`
	TransactionAmount float64    `json:"transaction_amount"`
	CurrencyID        string     `json:"currency_id,omitempty"`
	ExternalReference string     `json:"external_reference"`
	PaymentMethodID   string     `json:"payment_method_id,omitempty"`
	PaymentTypeID     string     `json:"payment_type_id,omitempty"`
	DateCreated       *time.Time `json:"date_created,omitempty"`
	DateApproved      *time.Time `json:"date_approved,omitempty"`
}

// CardDetails is the raw card data exchanged for a token. It never reaches
// storage.
type CardDetails struct {
	Number     string `json:"card_number"`
	HolderName string `json:"-"`
	ExpMonth   int    `json:"expiration_month"`
	ExpYear    int    `json:"expiration_year"`
	CVV        string `json:"security_code"`
}

// CardToken is the processor's reference to tokenized card data.
type CardToken struct {
	ID              string `json:"id"`
	LastFourDigits  string `json:"last_four_digits"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

// ChargeRequest is the body of POST /v1/payments for a card on file.
type ChargeRequest struct {
	Token             string  `json:"token"`
	TransactionAmount float64 `json:"transaction_amount"`
	Installments      int     `json:"installments"`
	PaymentMethodID   string  `json:"payment_method_id,omitempty"`
	Description       string  `json:"description,omitempty"`
	ExternalReference string  `json:"external_reference"`
	Payer             *Payer  `json:"payer,omitempty"`
	// IdempotencyKey is sent as X-Idempotency-Key, not in the body.
	IdempotencyKey string `json:"-"`
}

// Refund is the processor's record of a refund.
type Refund struct {
	ID        int64   `json:"id"`
	PaymentID int64   `json:"payment_id"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}
