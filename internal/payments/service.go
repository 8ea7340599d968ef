// Package payments implements checkout intents, card-on-file charges and
// the authenticated order operations built on the order repository.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-storefront-payments/internal/aws"
	"github.com/imrishuroy/go-storefront-payments/internal/inventory"
	"github.com/imrishuroy/go-storefront-payments/internal/money"
	"github.com/imrishuroy/go-storefront-payments/internal/orders"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
)

// Processor is the subset of the processor client the service calls.
type Processor interface {
	CreatePreference(ctx context.Context, req processor.PreferenceRequest) (*processor.Preference, error)
	Charge(ctx context.Context, req processor.ChargeRequest) (*processor.Payment, error)
	Refund(ctx context.Context, paymentID string) (*processor.Refund, error)
	CreateCardToken(ctx context.Context, card processor.CardDetails) (*processor.CardToken, error)
}

// Settings are the checkout parameters taken from configuration.
type Settings struct {
	Currency        string
	Shipping        money.Money
	NotificationURL string
	BackURLs        processor.BackURLs
}

// Service coordinates the repository and the processor.
type Service struct {
	repo     orders.Repository
	proc     Processor
	metrics  aws.MetricsRecorder
	logger   *slog.Logger
	settings Settings
	nowFunc  func() time.Time
	newID    func() string
}

// NewService wires a Service. metrics may be nil.
func NewService(repo orders.Repository, proc Processor, metrics aws.MetricsRecorder, logger *slog.Logger, settings Settings) *Service {
	if metrics == nil {
		metrics = aws.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		proc:     proc,
		metrics:  metrics,
		logger:   logger,
		settings: settings,
		nowFunc:  time.Now,
		newID:    uuid.NewString,
	}
}

// Caller is the authenticated principal.
type Caller struct {
	UserID string
	Admin  bool
}

// CartLine is one requested product quantity.
type CartLine struct {
	ProductID string
	Quantity  int
}

// IntentRequest asks for a checkout preference. When OrderID is set the
// existing order's snapshot is reused and Items is ignored.
type IntentRequest struct {
	UserID     string
	OrderID    string
	Items      []CartLine
	PayerEmail string
}

// Intent is the result handed back to the client.
type Intent struct {
	OrderID      string      `json:"order_id"`
	PreferenceID string      `json:"preference_id"`
	InitPoint    string      `json:"init_point"`
	Total        money.Money `json:"total"`
}

// CreateIntent creates or reuses a PENDING order and registers a processor
// preference for it. The stock check is advisory; the authoritative clamp
// happens when the order is marked paid.
func (s *Service) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var (
		order *orders.Order
		err   error
	)
	if req.OrderID != "" {
		order, err = s.reusableOrder(ctx, req.UserID, req.OrderID)
	} else {
		order, err = s.newOrder(ctx, req.UserID, req.Items)
	}
	if err != nil {
		return nil, err
	}

	pref, err := s.proc.CreatePreference(ctx, s.preferenceFor(order, req.PayerEmail))
	if err != nil {
		s.logger.ErrorContext(ctx, "create preference failed, order left pending",
			"order_id", order.OrderID, "error", err)
		return nil, &ExternalServiceError{OrderID: order.OrderID, Err: err}
	}
	if err := s.repo.AttachPreference(ctx, order.OrderID, pref.ID); err != nil {
		return nil, fmt.Errorf("attach preference: %w", err)
	}

	s.logger.InfoContext(ctx, "payment intent created",
		"order_id", order.OrderID, "preference_id", pref.ID, "total", order.Total.String())
	return &Intent{
		OrderID:      order.OrderID,
		PreferenceID: pref.ID,
		InitPoint:    pref.InitPoint,
		Total:        order.Total,
	}, nil
}

func (s *Service) newOrder(ctx context.Context, userID string, cart []CartLine) (*orders.Order, error) {
	lines := make([]inventory.Line, 0, len(cart))
	for _, l := range cart {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s", ErrInvalidQuantity, l.ProductID)
		}
		lines = append(lines, inventory.Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	lines = inventory.Merge(lines)
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	items := make([]orders.LineItem, 0, len(lines))
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, l.ProductID)
		}
		if p.Stock < l.Quantity {
			return nil, &StockError{ProductID: p.ProductID, Requested: l.Quantity, Available: p.Stock}
		}
		items = append(items, orders.LineItem{
			ProductID: p.ProductID,
			Name:      p.Name,
			Quantity:  l.Quantity,
			UnitPrice: p.Price,
		})
	}

	order := orders.NewOrder(s.newID(), userID, items, s.settings.Shipping, s.nowFunc().UTC())
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// reusableOrder returns an owned order that can take a new intent,
// reopening it when a previous attempt failed.
func (s *Service) reusableOrder(ctx context.Context, userID, orderID string) (*orders.Order, error) {
	order, err := s.ownedOrder(ctx, Caller{UserID: userID}, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case orders.StatusPending:
	case orders.StatusFailed:
		if err := s.repo.Reopen(ctx, orderID); err != nil {
			if errors.Is(err, orders.ErrStatusMismatch) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("reopen order: %w", err)
		}
		order.Status = orders.StatusPending
		s.logger.InfoContext(ctx, "failed order reopened for new intent", "order_id", orderID)
	default:
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotPayable, order.Status)
	}

	products, err := s.repo.GetProducts(ctx, orders.ProductIDs(order.Items))
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	for _, l := range inventory.Merge(orders.InventoryLines(order.Items)) {
		p, ok := products[l.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, l.ProductID)
		}
		if p.Stock < l.Quantity {
			return nil, &StockError{ProductID: l.ProductID, Requested: l.Quantity, Available: p.Stock}
		}
	}
	return order, nil
}

func (s *Service) preferenceFor(o *orders.Order, payerEmail string) processor.PreferenceRequest {
	items := make([]processor.Item, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, processor.Item{
			ID:         it.ProductID,
			Title:      it.Name,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice.Float(),
			CurrencyID: s.settings.Currency,
		})
	}
	req := processor.PreferenceRequest{
		Items:             items,
		BackURLs:          s.settings.BackURLs,
		NotificationURL:   s.settings.NotificationURL,
		ExternalReference: o.OrderID,
	}
	if s.settings.BackURLs.Success != "" {
		req.AutoReturn = "approved"
	}
	if !o.Shipping.IsZero() {
		req.Shipments = &processor.Shipment{Cost: o.Shipping.Float(), Mode: "not_specified"}
	}
	if payerEmail != "" {
		req.Payer = &processor.Payer{Email: payerEmail}
	}
	return req
}

// OrderView is an order with its payment records.
type OrderView struct {
	Order    *orders.Order    `json:"order"`
	Payments []orders.Payment `json:"payments"`
}

// GetOrder returns an order the caller owns (admins may read any order).
func (s *Service) GetOrder(ctx context.Context, caller Caller, orderID string) (*OrderView, error) {
	order, err := s.ownedOrder(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPayments(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []orders.Payment{}
	}
	return &OrderView{Order: order, Payments: payments}, nil
}

// CancelOrder cancels a PENDING order owned by the caller. A payment that
// lands first wins and the cancel fails with ErrNotCancellable.
func (s *Service) CancelOrder(ctx context.Context, caller Caller, orderID string) (*orders.Order, error) {
	order, err := s.ownedOrder(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != orders.StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, order.Status)
	}
	if err := s.repo.UpdateStatus(ctx, orderID, orders.StatusPending, orders.StatusCancelled); err != nil {
		if errors.Is(err, orders.ErrStatusMismatch) {
			return nil, ErrNotCancellable
		}
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	s.logger.InfoContext(ctx, "order cancelled by owner", "order_id", orderID, "user_id", caller.UserID)
	return s.repo.GetOrder(ctx, orderID)
}

// AdminOverride forces a status change allowed by orders.CanOverride.
// PAID goes through the shared mark-paid path; PAID to CANCELLED restores
// stock.
func (s *Service) AdminOverride(ctx context.Context, orderID string, target orders.Status, note string) (*orders.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Status == target {
		return order, nil
	}
	if !orders.CanOverride(order.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, target)
	}

	switch {
	case target == orders.StatusPaid:
		applied, err := s.repo.TryMarkPaid(ctx, orderID, orders.Payment{
			ExternalStatus: "manual_override",
			StatusDetail:   note,
			Amount:         order.Total,
			Method:         orders.MethodManual,
		})
		if err != nil {
			return nil, fmt.Errorf("mark paid: %w", err)
		}
		if !applied {
			return nil, ErrConflict
		}
		s.metrics.Incr(ctx, aws.MetricOrderPaid, map[string]string{"Method": orders.MethodManual})
	case order.Status == orders.StatusPaid && target == orders.StatusCancelled:
		err = s.repo.TransitionWithRestock(ctx, orderID, order.Status, target)
	default:
		err = s.repo.UpdateStatus(ctx, orderID, order.Status, target)
	}
	if errors.Is(err, orders.ErrStatusMismatch) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("override status: %w", err)
	}

	s.logger.WarnContext(ctx, "order status overridden",
		"order_id", orderID, "from", order.Status, "to", target, "note", note)
	return s.repo.GetOrder(ctx, orderID)
}

func (s *Service) ownedOrder(ctx context.Context, caller Caller, orderID string) (*orders.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.UserID != caller.UserID && !caller.Admin {
		return nil, ErrForbidden
	}
	return order, nil
}
