package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/go-storefront-payments/internal/aws"
	"github.com/imrishuroy/go-storefront-payments/internal/orders"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
)

// CardPaymentRequest charges a saved card against an order.
type CardPaymentRequest struct {
	UserID         string
	OrderID        string
	CardID         string
	IdempotencyKey string
}

// CardPaymentResult is returned for every charge the processor answered.
// Success is true only when this charge moved the order to PAID.
type CardPaymentResult struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"order_id"`
	PaymentID    string `json:"payment_id,omitempty"`
	Status       string `json:"status"`
	StatusDetail string `json:"statusDetail"`
	// Duplicate is set when the charge was approved after another path had
	// already paid the order; the charge has been refunded.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Pending reports whether the processor is still deciding.
func (r *CardPaymentResult) Pending() bool {
	st, _ := orders.MapProcessorStatus(r.Status)
	return !r.Success && !r.Duplicate && st == orders.StatusPending
}

// PayWithCard charges a saved card. An approved charge goes through the
// same TryMarkPaid used by the webhook. A rejected charge leaves the order
// PENDING so the user can retry with another card.
func (s *Service) PayWithCard(ctx context.Context, req CardPaymentRequest) (*CardPaymentResult, error) {
	card, err := s.repo.GetCard(ctx, req.CardID)
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	if card == nil || card.UserID != req.UserID {
		return nil, ErrCardNotFound
	}
	if !card.Active {
		return nil, ErrCardInactive
	}

	order, err := s.ownedOrder(ctx, Caller{UserID: req.UserID}, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != orders.StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotPayable, order.Status)
	}

	chargeKey := req.IdempotencyKey
	if chargeKey != "" {
		chargeKey = "card-" + req.OrderID + "-" + chargeKey
	}
	charge, err := s.proc.Charge(ctx, processor.ChargeRequest{
		Token:             card.Token,
		TransactionAmount: order.Total.Float(),
		Installments:      1,
		PaymentMethodID:   card.Brand,
		Description:       "Order " + order.OrderID,
		ExternalReference: order.OrderID,
		IdempotencyKey:    chargeKey,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "card charge failed", "order_id", order.OrderID, "card_id", card.CardID, "error", err)
		return nil, &ExternalServiceError{OrderID: order.OrderID, Err: err}
	}

	externalID := processor.FormatID(charge.ID)
	result := &CardPaymentResult{
		OrderID:      order.OrderID,
		Status:       charge.Status,
		StatusDetail: charge.StatusDetail,
	}

	target, _ := orders.MapProcessorStatus(charge.Status)
	if target != orders.StatusPaid {
		s.logger.InfoContext(ctx, "card charge not approved, order stays pending",
			"order_id", order.OrderID, "status", charge.Status, "status_detail", charge.StatusDetail)
		return result, nil
	}

	applied, err := s.repo.TryMarkPaid(ctx, order.OrderID, orders.Payment{
		ExternalID:     externalID,
		ExternalStatus: charge.Status,
		StatusDetail:   charge.StatusDetail,
		Amount:         order.Total,
		Method:         orders.MethodCard,
	})
	if err != nil {
		// the charge exists at the processor; the webhook for it will retry
		// the transition
		return nil, fmt.Errorf("mark paid after approved charge %s: %w", externalID, err)
	}
	if applied {
		s.metrics.Incr(ctx, aws.MetricOrderPaid, map[string]string{"Method": orders.MethodCard})
		s.logger.InfoContext(ctx, "order paid by card", "order_id", order.OrderID, "external_id", externalID)
		result.Success = true
		if current, err := s.repo.GetOrder(ctx, order.OrderID); err == nil && current != nil {
			result.PaymentID = current.PaymentID
		}
		return result, nil
	}

	// the notification for this same charge may have paid the order first
	current, recorded, err := s.chargeRecorded(ctx, order.OrderID, externalID)
	if err != nil {
		return nil, fmt.Errorf("check charge %s after lost race: %w", externalID, err)
	}
	if recorded {
		s.logger.InfoContext(ctx, "card charge already recorded by notification",
			"order_id", order.OrderID, "external_id", externalID)
		result.Success = true
		result.PaymentID = current.PaymentID
		return result, nil
	}

	s.compensateDuplicate(ctx, order.OrderID, externalID)
	result.Duplicate = true
	result.Status = "refunded"
	result.StatusDetail = "order_already_paid"
	return result, nil
}

// chargeRecorded reports whether the order is PAID and externalID is among
// its recorded payments.
func (s *Service) chargeRecorded(ctx context.Context, orderID, externalID string) (*orders.Order, bool, error) {
	current, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, fmt.Errorf("get order: %w", err)
	}
	if current == nil || current.Status != orders.StatusPaid {
		return current, false, nil
	}
	payments, err := s.repo.ListPayments(ctx, orderID)
	if err != nil {
		return nil, false, fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		if p.ExternalID == externalID {
			return current, true, nil
		}
	}
	return current, false, nil
}

// compensateDuplicate refunds a charge approved for an order some other path
// already paid.
func (s *Service) compensateDuplicate(ctx context.Context, orderID, externalID string) {
	s.metrics.Incr(ctx, aws.MetricDuplicateCharge, map[string]string{"Method": orders.MethodCard})
	if _, err := s.proc.Refund(ctx, externalID); err != nil {
		s.logger.ErrorContext(ctx, "duplicate charge refund failed, manual refund required",
			"order_id", orderID, "external_id", externalID, "error", err)
		return
	}
	s.logger.WarnContext(ctx, "duplicate charge refunded",
		"order_id", orderID, "external_id", externalID)
}

// SaveCardRequest carries raw card data to tokenize.
type SaveCardRequest struct {
	UserID string
	Card   processor.CardDetails
}

// SaveCard tokenizes a card with the processor and stores the token.
func (s *Service) SaveCard(ctx context.Context, req SaveCardRequest) (*orders.Card, error) {
	tok, err := s.proc.CreateCardToken(ctx, req.Card)
	if err != nil {
		return nil, &ExternalServiceError{Err: err}
	}
	last4 := tok.LastFourDigits
	if last4 == "" && len(req.Card.Number) >= 4 {
		last4 = req.Card.Number[len(req.Card.Number)-4:]
	}
	card := orders.Card{
		CardID:    s.newID(),
		UserID:    req.UserID,
		Token:     tok.ID,
		Brand:     tok.PaymentMethodID,
		Last4:     last4,
		Active:    true,
		CreatedAt: s.nowFunc().UTC(),
	}
	if err := s.repo.SaveCard(ctx, card); err != nil {
		return nil, fmt.Errorf("save card: %w", err)
	}
	return &card, nil
}

// ListCards returns the caller's cards.
func (s *Service) ListCards(ctx context.Context, userID string) ([]orders.Card, error) {
	cards, err := s.repo.ListCards(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	if cards == nil {
		cards = []orders.Card{}
	}
	return cards, nil
}

// DeactivateCard disables one of the caller's cards.
func (s *Service) DeactivateCard(ctx context.Context, userID, cardID string) error {
	if err := s.repo.DeactivateCard(ctx, userID, cardID); err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return ErrCardNotFound
		}
		return fmt.Errorf("deactivate card: %w", err)
	}
	return nil
}
