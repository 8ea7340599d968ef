package payments

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-storefront-payments/internal/orders"
	"github.com/imrishuroy/go-storefront-payments/internal/processor"
	"github.com/imrishuroy/go-storefront-payments/internal/webhook"
)

func (f *fixture) savedCard(t *testing.T, userID string) *orders.Card {
	t.Helper()
	card, err := f.svc.SaveCard(context.Background(), SaveCardRequest{
		UserID: userID,
		Card:   processor.CardDetails{Number: "4111111111111111", HolderName: "ANA", ExpMonth: 1, ExpYear: 2030, CVV: "123"},
	})
	require.NoError(t, err)
	return card
}

func (f *fixture) pendingOrder(t *testing.T, userID string) string {
	t.Helper()
	intent, err := f.svc.CreateIntent(context.Background(), IntentRequest{UserID: userID, Items: []CartLine{{ProductID: "7", Quantity: 2}}})
	require.NoError(t, err)
	return intent.OrderID
}

func TestSaveAndListCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.savedCard(t, "u1")
	assert.Equal(t, "1111", card.Last4)
	assert.Equal(t, "visa", card.Brand)
	assert.True(t, card.Active)

	cards, err := f.svc.ListCards(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, cards, 1)

	empty, err := f.svc.ListCards(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)

	assert.ErrorIs(t, f.svc.DeactivateCard(ctx, "u2", card.CardID), ErrCardNotFound)
	require.NoError(t, f.svc.DeactivateCard(ctx, "u1", card.CardID))
}

func TestSaveCard_TokenizeFailure(t *testing.T) {
	f := newFixture(t)
	f.proc.tokenizeFunc = func(processor.CardDetails) (*processor.CardToken, error) {
		return nil, errors.New("timeout")
	}
	_, err := f.svc.SaveCard(context.Background(), SaveCardRequest{UserID: "u1", Card: processor.CardDetails{Number: "4111111111111111"}})
	assert.ErrorIs(t, err, ErrExternalService)
}

func TestPayWithCard_Approved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.savedCard(t, "u1")
	orderID := f.pendingOrder(t, "u1")

	res, err := f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "approved", res.Status)
	assert.NotEmpty(t, res.PaymentID)

	order, _ := f.repo.GetOrder(ctx, orderID)
	assert.Equal(t, orders.StatusPaid, order.Status)
	products, _ := f.repo.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 3, products["7"].Stock)
	payments, _ := f.repo.ListPayments(ctx, orderID)
	require.Len(t, payments, 1)
	assert.Equal(t, "1000", payments[0].ExternalID)
	assert.Equal(t, orders.MethodCard, payments[0].Method)

	require.Len(t, f.proc.charges, 1)
	assert.Equal(t, "tok-1", f.proc.charges[0].Token)
	assert.Equal(t, 30.46, f.proc.charges[0].TransactionAmount)
	assert.Equal(t, "card-"+orderID+"-k1", f.proc.charges[0].IdempotencyKey)
}

func TestPayWithCard_RejectedKeepsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.savedCard(t, "u1")
	orderID := f.pendingOrder(t, "u1")
	f.proc.chargeFunc = func(processor.ChargeRequest) (*processor.Payment, error) {
		return &processor.Payment{ID: 5, Status: "rejected", StatusDetail: "cc_rejected_bad_filled_security_code"}, nil
	}

	res, err := f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Pending())
	assert.Equal(t, "cc_rejected_bad_filled_security_code", res.StatusDetail)

	order, _ := f.repo.GetOrder(ctx, orderID)
	assert.Equal(t, orders.StatusPending, order.Status)
	payments, _ := f.repo.ListPayments(ctx, orderID)
	assert.Empty(t, payments)
	products, _ := f.repo.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 5, products["7"].Stock)
}

func TestPayWithCard_InProcess(t *testing.T) {
	f := newFixture(t)
	card := f.savedCard(t, "u1")
	orderID := f.pendingOrder(t, "u1")
	f.proc.chargeFunc = func(processor.ChargeRequest) (*processor.Payment, error) {
		return &processor.Payment{ID: 6, Status: "in_process", StatusDetail: "pending_review_manual"}, nil
	}
	res, err := f.svc.PayWithCard(context.Background(), CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID})
	require.NoError(t, err)
	assert.True(t, res.Pending())
}

func TestPayWithCard_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.savedCard(t, "u1")
	foreign := f.savedCard(t, "u2")
	orderID := f.pendingOrder(t, "u1")

	_, err := f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: foreign.CardID})
	assert.ErrorIs(t, err, ErrCardNotFound)

	_, err = f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u2", OrderID: orderID, CardID: foreign.CardID})
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.svc.DeactivateCard(ctx, "u1", card.CardID))
	_, err = f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID})
	assert.ErrorIs(t, err, ErrCardInactive)

	card2 := f.savedCard(t, "u1")
	_, err = f.repo.TryMarkPaid(ctx, orderID, orders.Payment{Method: orders.MethodCheckout})
	require.NoError(t, err)
	_, err = f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card2.CardID})
	assert.ErrorIs(t, err, ErrOrderNotPayable)
	assert.Empty(t, f.proc.charges, "guards run before any charge")
}

func TestPayWithCard_ProcessorDown(t *testing.T) {
	f := newFixture(t)
	card := f.savedCard(t, "u1")
	orderID := f.pendingOrder(t, "u1")
	f.proc.chargeFunc = func(processor.ChargeRequest) (*processor.Payment, error) {
		return nil, errors.New("connection reset")
	}
	_, err := f.svc.PayWithCard(context.Background(), CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID})
	assert.ErrorIs(t, err, ErrExternalService)
}

// The webhook lands while the charge is in flight: the charge loses the
// race, is refunded, and the order keeps a single payment.
func TestPayWithCard_LosesRaceToWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.savedCard(t, "u1")
	orderID := f.pendingOrder(t, "u1")

	f.proc.chargeFunc = func(req processor.ChargeRequest) (*processor.Payment, error) {
		applied, err := f.repo.TryMarkPaid(ctx, req.ExternalReference, orders.Payment{ExternalID: "checkout-1", Method: orders.MethodCheckout})
		require.NoError(t, err)
		require.True(t, applied)
		return &processor.Payment{ID: 2000, Status: "approved"}, nil
	}

	res, err := f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Duplicate)
	assert.Equal(t, []string{"2000"}, f.proc.refunds)
	assert.Equal(t, 1, f.metrics.get("DuplicateCharge"))

	payments, _ := f.repo.ListPayments(ctx, orderID)
	require.Len(t, payments, 1)
	assert.Equal(t, "checkout-1", payments[0].ExternalID)
	products, _ := f.repo.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 3, products["7"].Stock, "single decrement")
}

// The notification for the card charge itself pays the order before the
// charge call returns: the charge is the order's payment, nothing is refunded.
func TestPayWithCard_NotificationForSameChargeWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.savedCard(t, "u1")
	orderID := f.pendingOrder(t, "u1")

	f.proc.chargeFunc = func(req processor.ChargeRequest) (*processor.Payment, error) {
		applied, err := f.repo.TryMarkPaid(ctx, req.ExternalReference, orders.Payment{ExternalID: "1000", ExternalStatus: "approved", Method: orders.MethodCheckout})
		require.NoError(t, err)
		require.True(t, applied)
		return &processor.Payment{ID: 1000, Status: "approved", StatusDetail: "accredited", ExternalReference: req.ExternalReference}, nil
	}

	res, err := f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "approved", res.Status)
	assert.NotEmpty(t, res.PaymentID)
	assert.Empty(t, f.proc.refunds)
	assert.Zero(t, f.metrics.get("DuplicateCharge"))

	order, _ := f.repo.GetOrder(ctx, orderID)
	assert.Equal(t, orders.StatusPaid, order.Status)
	assert.Equal(t, order.PaymentID, res.PaymentID)
	payments, _ := f.repo.ListPayments(ctx, orderID)
	require.Len(t, payments, 1)
	assert.Equal(t, "1000", payments[0].ExternalID)
	products, _ := f.repo.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 3, products["7"].Stock)
}

// The refund issued for a duplicate charge comes back as a notification and
// must not undo the payment that paid the order.
func TestPayWithCard_RefundedDuplicateKeepsOrderPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.savedCard(t, "u1")
	orderID := f.pendingOrder(t, "u1")

	f.proc.chargeFunc = func(req processor.ChargeRequest) (*processor.Payment, error) {
		applied, err := f.repo.TryMarkPaid(ctx, req.ExternalReference, orders.Payment{ExternalID: "900", Method: orders.MethodCheckout})
		require.NoError(t, err)
		require.True(t, applied)
		return &processor.Payment{ID: 2000, Status: "approved"}, nil
	}
	res, err := f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, []string{"2000"}, f.proc.refunds)

	receiver := webhook.NewReceiver(f.repo, nil, f.metrics, nil)
	out, err := receiver.Reconcile(ctx, processor.Payment{ID: 2000, Status: "refunded", ExternalReference: orderID})
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeSkipped, out.Outcome)

	out, err = receiver.Reconcile(ctx, processor.Payment{ID: 2000, Status: "charged_back", ExternalReference: orderID})
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeSkipped, out.Outcome)

	order, _ := f.repo.GetOrder(ctx, orderID)
	assert.Equal(t, orders.StatusPaid, order.Status)
	products, _ := f.repo.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 3, products["7"].Stock)
}

func TestPayWithCard_ConcurrentWithWebhook_ExactlyOnePays(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		card := f.savedCard(t, "u1")
		orderID := f.pendingOrder(t, "u1")

		var wg sync.WaitGroup
		var webhookApplied bool
		var cardRes *CardPaymentResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			webhookApplied, _ = f.repo.TryMarkPaid(ctx, orderID, orders.Payment{ExternalID: "wh", Method: orders.MethodCheckout})
		}()
		go func() {
			defer wg.Done()
			cardRes, _ = f.svc.PayWithCard(ctx, CardPaymentRequest{UserID: "u1", OrderID: orderID, CardID: card.CardID})
		}()
		wg.Wait()

		cardApplied := cardRes != nil && cardRes.Success
		assert.True(t, webhookApplied != cardApplied, "exactly one path applies")
		payments, _ := f.repo.ListPayments(ctx, orderID)
		assert.Len(t, payments, 1)
		products, _ := f.repo.GetProducts(ctx, []string{"7"})
		assert.Equal(t, 3, products["7"].Stock)
	}
}
