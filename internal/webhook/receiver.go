package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imrishuroy/go-storefront-payments/internal/aws"
	"github.com/imrishuroy/go-storefront-payments/internal/money"
	"github.com/imrishuroy/go-storefront-payments/internal/orders"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
)

// maxAttempts bounds how often Reconcile re-reads an order whose status
// moved underneath it.
const maxAttempts = 3

// ErrUnsettled is returned when the order kept changing on every attempt.
// It is transient: the caller should let the processor redeliver.
var ErrUnsettled = errors.New("order status kept changing during reconciliation")

// PaymentSource is the authoritative payment lookup.
type PaymentSource interface {
	GetPayment(ctx context.Context, paymentID string) (*processor.Payment, error)
	SearchPayments(ctx context.Context, externalReference string) ([]processor.Payment, error)
}

// Outcome classifies what a notification did.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeApplied   Outcome = "applied"
	OutcomeSkipped   Outcome = "skipped"
)

// Result describes a processed notification.
type Result struct {
	Outcome Outcome       `json:"outcome"`
	OrderID string        `json:"order_id,omitempty"`
	Status  orders.Status `json:"status,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// Receiver reconciles processor payments against the order store.
type Receiver struct {
	repo    orders.Repository
	source  PaymentSource
	metrics aws.MetricsRecorder
	logger  *slog.Logger
}

// NewReceiver wires a Receiver. metrics and logger may be nil.
func NewReceiver(repo orders.Repository, source PaymentSource, metrics aws.MetricsRecorder, logger *slog.Logger) *Receiver {
	if metrics == nil {
		metrics = aws.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{repo: repo, source: source, metrics: metrics, logger: logger}
}

// Process handles one notification. A returned error means processing
// failed for a reason worth retrying; every other case is acknowledged.
func (r *Receiver) Process(ctx context.Context, n Notification) (Result, error) {
	if !n.IsPayment() {
		r.logger.DebugContext(ctx, "notification ignored", "type", n.Type, "resource_id", n.ResourceID)
		return Result{Outcome: OutcomeIgnored, Reason: "not a payment notification"}, nil
	}

	p, err := r.source.GetPayment(ctx, n.ResourceID)
	if errors.Is(err, processor.ErrNotFound) {
		r.logger.WarnContext(ctx, "notification for unknown payment", "payment_id", n.ResourceID)
		return Result{Outcome: OutcomeIgnored, Reason: "payment not found"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("fetch payment %s: %w", n.ResourceID, err)
	}
	return r.Reconcile(ctx, *p)
}

// SyncOrder looks up the order's payments at the processor and reconciles
// the most relevant one: the first approved payment, else the newest.
func (r *Receiver) SyncOrder(ctx context.Context, orderID string) (Result, error) {
	payments, err := r.source.SearchPayments(ctx, orderID)
	if err != nil {
		return Result{}, fmt.Errorf("search payments: %w", err)
	}
	if len(payments) == 0 {
		return Result{Outcome: OutcomeIgnored, OrderID: orderID, Reason: "no payments at processor"}, nil
	}
	chosen := payments[0]
	for _, p := range payments {
		if st, _ := orders.MapProcessorStatus(p.Status); st == orders.StatusPaid {
			chosen = p
			break
		}
	}
	return r.Reconcile(ctx, chosen)
}

// Reconcile drives the order referenced by an authoritative payment
// towards the payment's mapped status.
func (r *Receiver) Reconcile(ctx context.Context, p processor.Payment) (Result, error) {
	orderID := p.ExternalReference
	externalID := processor.FormatID(p.ID)
	log := r.logger.With("order_id", orderID, "external_id", externalID, "external_status", p.Status)

	if orderID == "" {
		log.WarnContext(ctx, "payment without external reference")
		return Result{Outcome: OutcomeIgnored, Reason: "no external reference"}, nil
	}
	target, ok := orders.MapProcessorStatus(p.Status)
	if !ok {
		log.WarnContext(ctx, "unrecognized processor status")
		return Result{Outcome: OutcomeIgnored, OrderID: orderID, Reason: "unrecognized status"}, nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		order, err := r.repo.GetOrder(ctx, orderID)
		if err != nil {
			return Result{}, fmt.Errorf("get order: %w", err)
		}
		if order == nil {
			log.WarnContext(ctx, "payment references unknown order")
			return Result{Outcome: OutcomeIgnored, OrderID: orderID, Reason: "order not found"}, nil
		}

		res := Result{OrderID: orderID, Status: order.Status}
		if target == orders.StatusPaid {
			done, out, err := r.markPaid(ctx, log, order, p, externalID)
			if err != nil {
				return Result{}, err
			}
			if done {
				return out, nil
			}
			continue
		}

		if skipped, reason, err := r.foreignPayment(ctx, order, p, externalID, target); err != nil {
			return Result{}, err
		} else if skipped {
			r.skip(ctx, log, reason, order.Status, target)
			res.Outcome, res.Reason = OutcomeSkipped, reason
			return res, nil
		}
		if order.Status == target {
			r.duplicate(ctx, log)
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		if !orders.CanTransition(order.Status, target) {
			r.skip(ctx, log, "transition not allowed", order.Status, target)
			res.Outcome, res.Reason = OutcomeSkipped, fmt.Sprintf("%s -> %s not allowed", order.Status, target)
			return res, nil
		}

		err = r.repo.UpdateStatus(ctx, orderID, order.Status, target)
		if errors.Is(err, orders.ErrStatusMismatch) {
			log.InfoContext(ctx, "order changed during reconciliation, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("update status: %w", err)
		}
		log.InfoContext(ctx, "order status updated", "from", order.Status, "to", target)
		return Result{Outcome: OutcomeApplied, OrderID: orderID, Status: target}, nil
	}
	return Result{}, fmt.Errorf("%w: order %s", ErrUnsettled, orderID)
}

// markPaid handles an approved payment. done is false when the order must
// be re-read and the decision taken again.
func (r *Receiver) markPaid(ctx context.Context, log *slog.Logger, order *orders.Order, p processor.Payment, externalID string) (bool, Result, error) {
	res := Result{OrderID: order.OrderID, Status: order.Status}

	switch order.Status {
	case orders.StatusPending:
	case orders.StatusPaid:
		recorded, err := r.hasPayment(ctx, order.OrderID, externalID)
		if err != nil {
			return false, Result{}, err
		}
		if recorded {
			r.duplicate(ctx, log)
			res.Outcome = OutcomeDuplicate
			return true, res, nil
		}
		// a second approved payment for an order another path already paid
		r.metrics.Incr(ctx, aws.MetricDuplicateCharge, map[string]string{"Method": orders.MethodCheckout})
		log.ErrorContext(ctx, "approved payment for an order paid by another payment, refund required",
			"paid_by", order.PaymentID)
		res.Outcome, res.Reason = OutcomeSkipped, "order already paid by another payment"
		return true, res, nil
	default:
		r.skip(ctx, log, "approved payment for non-pending order", order.Status, orders.StatusPaid)
		res.Outcome, res.Reason = OutcomeSkipped, fmt.Sprintf("order is %s", order.Status)
		return true, res, nil
	}

	amount := money.FromFloat(p.TransactionAmount)
	if p.TransactionAmount != 0 && !amount.Equal(order.Total) {
		log.WarnContext(ctx, "payment amount differs from order total",
			"amount", amount.String(), "total", order.Total.String())
	}

	applied, err := r.repo.TryMarkPaid(ctx, order.OrderID, orders.Payment{
		ExternalID:     externalID,
		ExternalStatus: p.Status,
		StatusDetail:   p.StatusDetail,
		Amount:         amount,
		Method:         orders.MethodCheckout,
	})
	if err != nil {
		return false, Result{}, fmt.Errorf("mark paid: %w", err)
	}
	if !applied {
		log.InfoContext(ctx, "order left PENDING concurrently, re-reading")
		return false, Result{}, nil
	}
	r.metrics.Incr(ctx, aws.MetricOrderPaid, map[string]string{"Method": orders.MethodCheckout})
	log.InfoContext(ctx, "order marked paid")
	return true, Result{Outcome: OutcomeApplied, OrderID: order.OrderID, Status: orders.StatusPaid}, nil
}

// foreignPayment reports whether p must not move the order. Refunds and
// chargebacks only count for the payment that paid the order. Failures of a
// payment created before the order was reopened are stale.
func (r *Receiver) foreignPayment(ctx context.Context, order *orders.Order, p processor.Payment, externalID string, target orders.Status) (bool, string, error) {
	switch target {
	case orders.StatusRefunded, orders.StatusDisputed:
		if order.PaymentID == "" {
			return false, "", nil
		}
		anchor, err := r.anchorExternalID(ctx, order)
		if err != nil {
			return false, "", err
		}
		if anchor != externalID {
			return true, "payment did not pay the order", nil
		}
	case orders.StatusFailed, orders.StatusCancelled:
		if order.Status == orders.StatusPending && order.ReopenedAt != nil &&
			p.DateCreated != nil && p.DateCreated.Before(*order.ReopenedAt) {
			return true, "payment predates order reopen", nil
		}
	}
	return false, "", nil
}

// anchorExternalID returns the processor id of the payment recorded by the
// PENDING to PAID transition.
func (r *Receiver) anchorExternalID(ctx context.Context, order *orders.Order) (string, error) {
	payments, err := r.repo.ListPayments(ctx, order.OrderID)
	if err != nil {
		return "", fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		if p.PaymentID == order.PaymentID {
			return p.ExternalID, nil
		}
	}
	return "", nil
}

func (r *Receiver) hasPayment(ctx context.Context, orderID, externalID string) (bool, error) {
	payments, err := r.repo.ListPayments(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("list payments: %w", err)
	}
	for _, p := range payments {
		if p.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Receiver) duplicate(ctx context.Context, log *slog.Logger) {
	r.metrics.Incr(ctx, aws.MetricDuplicateNotification, nil)
	log.InfoContext(ctx, "duplicate notification")
}

func (r *Receiver) skip(ctx context.Context, log *slog.Logger, msg string, from, to orders.Status) {
	r.metrics.Incr(ctx, aws.MetricTransitionSkipped, map[string]string{"To": string(to)})
	log.WarnContext(ctx, msg, "from", from, "to", to)
}
