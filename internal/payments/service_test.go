package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-storefront-payments/internal/money"
	"github.com/imrishuroy/go-storefront-payments/internal/orders"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
)

// mockProcessor records calls and delegates to optional funcs.
type mockProcessor struct {
	mu           sync.Mutex
	preferences  []processor.PreferenceRequest
	charges      []processor.ChargeRequest
	refunds      []string
	prefFunc     func(processor.PreferenceRequest) (*processor.Preference, error)
	chargeFunc   func(processor.ChargeRequest) (*processor.Payment, error)
	refundErr    error
	tokenizeFunc func(processor.CardDetails) (*processor.CardToken, error)
}

func (m *mockProcessor) CreatePreference(_ context.Context, req processor.PreferenceRequest) (*processor.Preference, error) {
	m.mu.Lock()
	m.preferences = append(m.preferences, req)
	m.mu.Unlock()
	if m.prefFunc != nil {
		return m.prefFunc(req)
	}
	return &processor.Preference{ID: "pref-" + req.ExternalReference, InitPoint: "https://pay.example/" + req.ExternalReference}, nil
}

func (m *mockProcessor) Charge(_ context.Context, req processor.ChargeRequest) (*processor.Payment, error) {
	m.mu.Lock()
	m.charges = append(m.charges, req)
	m.mu.Unlock()
	if m.chargeFunc != nil {
		return m.chargeFunc(req)
	}
	return &processor.Payment{ID: 1000, Status: "approved", StatusDetail: "accredited", ExternalReference: req.ExternalReference}, nil
}

func (m *mockProcessor) Refund(_ context.Context, paymentID string) (*processor.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, paymentID)
	if m.refundErr != nil {
		return nil, m.refundErr
	}
	return &processor.Refund{ID: 1, Status: "approved"}, nil
}

func (m *mockProcessor) CreateCardToken(_ context.Context, card processor.CardDetails) (*processor.CardToken, error) {
	if m.tokenizeFunc != nil {
		return m.tokenizeFunc(card)
	}
	return &processor.CardToken{ID: "tok-1", LastFourDigits: card.Number[len(card.Number)-4:], PaymentMethodID: "visa"}, nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) Incr(_ context.Context, metric string, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[metric]++
}

func (c *countingMetrics) get(metric string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[metric]
}

type fixture struct {
	svc     *Service
	repo    *orders.MemoryStore
	proc    *mockProcessor
	metrics *countingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := orders.NewMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, repo.PutProduct(ctx, orders.Product{ProductID: "7", Name: "Mug", Price: money.MustParse("12.73"), Stock: 5}))
	require.NoError(t, repo.PutProduct(ctx, orders.Product{ProductID: "8", Name: "Tee", Price: money.MustParse("40.00"), Stock: 1}))

	proc := &mockProcessor{}
	metrics := &countingMetrics{}
	svc := NewService(repo, proc, metrics, nil, Settings{
		Currency:        "BRL",
		Shipping:        money.MustParse("5.00"),
		NotificationURL: "https://api.example/payments/webhook",
		BackURLs:        processor.BackURLs{Success: "storefront://success"},
	})
	ids := 0
	svc.newID = func() string { ids++; return "id-" + string(rune('0'+ids)) }
	svc.nowFunc = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, repo: repo, proc: proc, metrics: metrics}
}

func TestCreateIntent_NewOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.svc.CreateIntent(ctx, IntentRequest{
		UserID:     "u1",
		Items:      []CartLine{{ProductID: "7", Quantity: 1}, {ProductID: "7", Quantity: 1}},
		PayerEmail: "a@b.c",
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", intent.OrderID)
	assert.Equal(t, "pref-id-1", intent.PreferenceID)
	assert.Equal(t, "30.46", intent.Total.String())

	order, _ := f.repo.GetOrder(ctx, intent.OrderID)
	require.NotNil(t, order)
	assert.Equal(t, orders.StatusPending, order.Status)
	assert.Equal(t, "pref-id-1", order.PreferenceID)
	require.Len(t, order.Items, 1, "duplicate lines merged")
	assert.Equal(t, 2, order.Items[0].Quantity)

	require.Len(t, f.proc.preferences, 1)
	pref := f.proc.preferences[0]
	assert.Equal(t, "id-1", pref.ExternalReference)
	assert.Equal(t, "approved", pref.AutoReturn)
	assert.Equal(t, "https://api.example/payments/webhook", pref.NotificationURL)
	require.NotNil(t, pref.Shipments)
	assert.Equal(t, 5.0, pref.Shipments.Cost)

	payments, _ := f.repo.ListPayments(ctx, intent.OrderID)
	assert.Empty(t, payments, "intent creates no payment record")
}

func TestCreateIntent_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "404", Quantity: 1}}})
	assert.ErrorIs(t, err, ErrUnknownProduct)

	_, err = f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "8", Quantity: 2}}})
	assert.ErrorIs(t, err, ErrInsufficientStock)
	var se *StockError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 1, se.Available)

	_, err = f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "7", Quantity: 0}}})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCreateIntent_ProcessorFailureKeepsOrderPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.proc.prefFunc = func(processor.PreferenceRequest) (*processor.Preference, error) {
		return nil, errors.New("502 from processor")
	}

	_, err := f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "7", Quantity: 1}}})
	require.ErrorIs(t, err, ErrExternalService)
	var ext *ExternalServiceError
	require.True(t, errors.As(err, &ext))

	order, _ := f.repo.GetOrder(ctx, ext.OrderID)
	require.NotNil(t, order, "order is kept for retry")
	assert.Equal(t, orders.StatusPending, order.Status)

	// retry against the same order once the processor recovers
	f.proc.prefFunc = nil
	intent, err := f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", OrderID: ext.OrderID})
	require.NoError(t, err)
	assert.Equal(t, ext.OrderID, intent.OrderID)
}

func TestCreateIntent_ExistingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "7", Quantity: 1}}})
	require.NoError(t, err)

	_, err = f.svc.CreateIntent(ctx, IntentRequest{UserID: "intruder", OrderID: intent.OrderID})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", OrderID: "missing"})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	// FAILED orders are reopened
	require.NoError(t, f.repo.UpdateStatus(ctx, intent.OrderID, orders.StatusPending, orders.StatusFailed))
	_, err = f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", OrderID: intent.OrderID})
	require.NoError(t, err)
	order, _ := f.repo.GetOrder(ctx, intent.OrderID)
	assert.Equal(t, orders.StatusPending, order.Status)

	// PAID orders are not
	_, err = f.repo.TryMarkPaid(ctx, intent.OrderID, orders.Payment{Method: orders.MethodCheckout})
	require.NoError(t, err)
	_, err = f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", OrderID: intent.OrderID})
	assert.ErrorIs(t, err, ErrOrderNotPayable)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, err := f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "7", Quantity: 1}}})
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, Caller{UserID: "u2"}, intent.OrderID)
	assert.ErrorIs(t, err, ErrForbidden)

	order, err := f.svc.CancelOrder(ctx, Caller{UserID: "u1"}, intent.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, order.Status)

	_, err = f.svc.CancelOrder(ctx, Caller{UserID: "u1"}, intent.OrderID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelOrder_PaidWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "7", Quantity: 1}}})
	_, err := f.repo.TryMarkPaid(ctx, intent.OrderID, orders.Payment{Method: orders.MethodCheckout})
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, Caller{UserID: "u1"}, intent.OrderID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	order, _ := f.repo.GetOrder(ctx, intent.OrderID)
	assert.Equal(t, orders.StatusPaid, order.Status)
}

func TestGetOrder_OwnerAndAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "7", Quantity: 1}}})

	view, err := f.svc.GetOrder(ctx, Caller{UserID: "u1"}, intent.OrderID)
	require.NoError(t, err)
	assert.NotNil(t, view.Payments)

	_, err = f.svc.GetOrder(ctx, Caller{UserID: "u2"}, intent.OrderID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GetOrder(ctx, Caller{UserID: "ops", Admin: true}, intent.OrderID)
	assert.NoError(t, err)
}

func TestAdminOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, _ := f.svc.CreateIntent(ctx, IntentRequest{UserID: "u1", Items: []CartLine{{ProductID: "7", Quantity: 2}}})

	order, err := f.svc.AdminOverride(ctx, intent.OrderID, orders.StatusPaid, "bank transfer confirmed")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, order.Status)
	products, _ := f.repo.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 3, products["7"].Stock)
	assert.Equal(t, 1, f.metrics.get("OrderPaid"))

	payments, _ := f.repo.ListPayments(ctx, intent.OrderID)
	require.Len(t, payments, 1)
	assert.Equal(t, orders.MethodManual, payments[0].Method)

	// same status is a no-op
	_, err = f.svc.AdminOverride(ctx, intent.OrderID, orders.StatusPaid, "")
	require.NoError(t, err)

	_, err = f.svc.AdminOverride(ctx, intent.OrderID, orders.StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	order, err = f.svc.AdminOverride(ctx, intent.OrderID, orders.StatusCancelled, "customer returned goods")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, order.Status)
	products, _ = f.repo.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 5, products["7"].Stock, "stock restored")

	_, err = f.svc.AdminOverride(ctx, "nope", orders.StatusPaid, "")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
