package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-storefront-payments/internal/aws/awstest"
	"github.com/imrishuroy/go-storefront-payments/internal/inventory"
	"github.com/imrishuroy/go-storefront-payments/internal/money"
)

var testTables = Tables{Orders: "orders", Payments: "payments", Products: "products", Cards: "cards"}

func newTestStore(t *testing.T) (*Store, *awstest.FakeDynamo) {
	t.Helper()
	fake := awstest.NewFakeDynamo()
	fake.CreateTable(testTables.Orders, "order_id")
	fake.CreateTable(testTables.Payments, "payment_id")
	fake.CreateTable(testTables.Products, "product_id")
	fake.CreateTable(testTables.Cards, "card_id")
	s := NewStore(fake, testTables, inventory.NewAdjuster(nil, nil), nil)
	s.nowFunc = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return s, fake
}

// seedOrder42 creates order 42 with two units of product 7 at 12.73 and
// five units in stock.
func seedOrder42(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.PutProduct(ctx, Product{ProductID: "7", Name: "Mug", Price: money.MustParse("12.73"), Stock: 5}))
	o := NewOrder("42", "user-1", []LineItem{{ProductID: "7", Name: "Mug", Quantity: 2, UnitPrice: money.MustParse("12.73")}}, money.Zero, time.Now())
	require.NoError(t, repo.CreateOrder(ctx, o))
}

func approvedPayment() Payment {
	return Payment{ExternalID: "ext-900", ExternalStatus: "approved", Amount: money.MustParse("25.46"), Method: MethodCheckout}
}

func TestNewOrder_Total(t *testing.T) {
	o := NewOrder("1", "u", []LineItem{
		{ProductID: "a", Quantity: 2, UnitPrice: money.MustParse("12.73")},
		{ProductID: "b", Quantity: 1, UnitPrice: money.MustParse("5.00")},
	}, money.MustParse("9.90"), time.Now())
	assert.Equal(t, "40.36", o.Total.String())
	assert.Equal(t, StatusPending, o.Status)
}

func TestStore_CreateAndGetOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	got, err := s.GetOrder(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "25.46", got.Total.String())
	require.Len(t, got.Items, 1)
	assert.Equal(t, "12.73", got.Items[0].UnitPrice.String())

	missing, err := s.GetOrder(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = s.CreateOrder(ctx, &Order{OrderID: "42", Status: StatusPending})
	assert.Error(t, err, "duplicate order id must be rejected")
}

func TestStore_UpdateStatus_Condition_SuccessAndFail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	require.NoError(t, s.UpdateStatus(ctx, "42", StatusPending, StatusFailed))

	err := s.UpdateStatus(ctx, "42", StatusPending, StatusCancelled)
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}

	require.NoError(t, s.Reopen(ctx, "42"))
	got, _ := s.GetOrder(ctx, "42")
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.ReopenedAt)
	assert.True(t, got.ReopenedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.ErrorIs(t, s.Reopen(ctx, "42"), ErrStatusMismatch, "only FAILED orders reopen")
}

func TestStore_TryMarkPaid_DuplicateNotifications(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	applied, err := s.TryMarkPaid(ctx, "42", approvedPayment())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.TryMarkPaid(ctx, "42", approvedPayment())
	require.NoError(t, err)
	assert.False(t, applied)

	o, err := s.GetOrder(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	require.NotNil(t, o.PaidAt)
	assert.NotEmpty(t, o.PaymentID)

	products, err := s.GetProducts(ctx, []string{"7"})
	require.NoError(t, err)
	assert.Equal(t, 3, products["7"].Stock)
	assert.Equal(t, 1, products["7"].Version)

	assert.Equal(t, 1, fake.Len(testTables.Payments))
	payments, err := s.ListPayments(ctx, "42")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, o.PaymentID, payments[0].PaymentID)
	assert.Equal(t, "ext-900", payments[0].ExternalID)
}

func TestStore_TryMarkPaid_LostRace(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	var once sync.Once
	fake.BeforeTransact = func(*dyn.TransactWriteItemsInput) {
		once.Do(func() {
			item := fake.Item(testTables.Orders, "42")
			var o Order
			require.NoError(t, attributevalue.UnmarshalMap(item, &o))
			o.Status = StatusPaid
			o.PaymentID = "winner"
			m, err := attributevalue.MarshalMap(o)
			require.NoError(t, err)
			fake.Seed(testTables.Orders, m)
		})
	}

	applied, err := s.TryMarkPaid(ctx, "42", approvedPayment())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Zero(t, fake.Len(testTables.Payments))

	products, _ := s.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 5, products["7"].Stock, "loser must not touch stock")
}

func TestStore_TryMarkPaid_ReplansOnVersionConflict(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	var once sync.Once
	fake.BeforeTransact = func(*dyn.TransactWriteItemsInput) {
		once.Do(func() {
			m, err := attributevalue.MarshalMap(Product{ProductID: "7", Name: "Mug", Price: money.MustParse("12.73"), Stock: 4, Version: 1})
			require.NoError(t, err)
			fake.Seed(testTables.Products, m)
		})
	}

	applied, err := s.TryMarkPaid(ctx, "42", approvedPayment())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 2, fake.Calls("TransactWriteItems"))

	products, _ := s.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 2, products["7"].Stock)
	assert.Equal(t, 2, products["7"].Version)
}

func TestStore_TryMarkPaid_ContentionExhausted(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	var version int32
	fake.BeforeTransact = func(*dyn.TransactWriteItemsInput) {
		v := atomic.AddInt32(&version, 1)
		m, _ := attributevalue.MarshalMap(Product{ProductID: "7", Stock: 5, Version: int(v)})
		fake.Seed(testTables.Products, m)
	}

	applied, err := s.TryMarkPaid(ctx, "42", approvedPayment())
	assert.ErrorIs(t, err, ErrContention)
	assert.False(t, applied)

	o, _ := s.GetOrder(ctx, "42")
	assert.Equal(t, StatusPending, o.Status)
}

func TestStore_TryMarkPaid_ClampsOversell(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutProduct(ctx, Product{ProductID: "p", Stock: 1}))
	require.NoError(t, s.CreateOrder(ctx, NewOrder("o", "u", []LineItem{{ProductID: "p", Quantity: 3, UnitPrice: money.MustParse("1")}}, money.Zero, time.Now())))

	applied, err := s.TryMarkPaid(ctx, "o", Payment{Method: MethodCard})
	require.NoError(t, err)
	assert.True(t, applied)
	products, _ := s.GetProducts(ctx, []string{"p"})
	assert.Equal(t, 0, products["p"].Stock)
}

func TestStore_TryMarkPaid_MissingOrder(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.TryMarkPaid(context.Background(), "ghost", approvedPayment())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConcurrentMarkPaid_ExactlyOnce(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	var (
		wg      sync.WaitGroup
		applied int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryMarkPaid(ctx, "42", approvedPayment())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied)
	assert.Equal(t, 1, fake.Len(testTables.Payments))
	products, _ := s.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 3, products["7"].Stock)
}

func TestStore_CancelAfterPaid_PaidWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	_, err := s.TryMarkPaid(ctx, "42", approvedPayment())
	require.NoError(t, err)

	err = s.UpdateStatus(ctx, "42", StatusPending, StatusCancelled)
	assert.ErrorIs(t, err, ErrStatusMismatch)
	o, _ := s.GetOrder(ctx, "42")
	assert.Equal(t, StatusPaid, o.Status)
}

func TestStore_TransitionWithRestock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)
	_, err := s.TryMarkPaid(ctx, "42", approvedPayment())
	require.NoError(t, err)

	require.NoError(t, s.TransitionWithRestock(ctx, "42", StatusPaid, StatusCancelled))
	products, _ := s.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 5, products["7"].Stock)

	err = s.TransitionWithRestock(ctx, "42", StatusPaid, StatusCancelled)
	assert.ErrorIs(t, err, ErrStatusMismatch, "restock runs once")
	products, _ = s.GetProducts(ctx, []string{"7"})
	assert.Equal(t, 5, products["7"].Stock)
}

func TestStore_AttachPreference(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedOrder42(t, s)

	require.NoError(t, s.AttachPreference(ctx, "42", "pref-1"))
	o, _ := s.GetOrder(ctx, "42")
	assert.Equal(t, "pref-1", o.PreferenceID)

	assert.ErrorIs(t, s.AttachPreference(ctx, "missing", "pref-2"), ErrNotFound)
}

func TestStore_Cards(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCard(ctx, Card{CardID: "c1", UserID: "u1", Token: "tok", Brand: "visa", Last4: "4242", Active: true}))
	require.NoError(t, s.SaveCard(ctx, Card{CardID: "c2", UserID: "u2", Token: "tok2", Active: true}))

	cards, err := s.ListCards(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "4242", cards[0].Last4)

	assert.ErrorIs(t, s.DeactivateCard(ctx, "u2", "c1"), ErrNotFound, "cannot deactivate someone else's card")
	require.NoError(t, s.DeactivateCard(ctx, "u1", "c1"))
	c, err := s.GetCard(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, c.Active)

	none, err := s.GetCard(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, none)
}
