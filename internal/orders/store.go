package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-storefront-payments/internal/aws"
	"github.com/imrishuroy/go-storefront-payments/internal/inventory"
)

const (
	paymentsByOrderIndex = "order_id-index"
	cardsByUserIndex     = "user_id-index"

	// DynamoDB caps a transaction at 100 items; two go to the order and
	// the payment.
	maxProductsPerTransaction = 98
	defaultMaxAttempts        = 3
)

// Tables names the DynamoDB tables behind a Store.
type Tables struct {
	Orders   string
	Payments string
	Products string
	Cards    string
}

// Store encapsulates operations on the orders, payments, products and
// cards tables.
type Store struct {
	client      aws.DynamoDBAPI
	tables      Tables
	adjuster    *inventory.Adjuster
	logger      *slog.Logger
	nowFunc     func() time.Time
	maxAttempts int
}

// NewStore creates a new DynamoDB backed Store.
func NewStore(client aws.DynamoDBAPI, tables Tables, adjuster *inventory.Adjuster, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if adjuster == nil {
		adjuster = inventory.NewAdjuster(logger, nil)
	}
	return &Store{
		client:      client,
		tables:      tables,
		adjuster:    adjuster,
		logger:      logger,
		nowFunc:     time.Now,
		maxAttempts: defaultMaxAttempts,
	}
}

var _ Repository = (*Store)(nil)

func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tables.Orders,
		Item:                item,
		ConditionExpression: sdkaws.String("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return fmt.Errorf("order %s already exists: %w", o.OrderID, err)
		}
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

// GetOrder fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Orders,
		Key:            stringKey("order_id", orderID),
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *Store) AttachPreference(ctx context.Context, orderID, preferenceID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Orders,
		Key:              stringKey("order_id", orderID),
		UpdateExpression: sdkaws.String("SET preference_id = :pref, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pref": &types.AttributeValueMemberS{Value: preferenceID},
			":ua":   s.timestamp(),
		},
		ConditionExpression: sdkaws.String("attribute_exists(order_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("attach preference: %w", err)
	}
	return nil
}

func (s *Store) Reopen(ctx context.Context, orderID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tables.Orders,
		Key:                      stringKey("order_id", orderID),
		UpdateExpression:         sdkaws.String("SET #s = :new, updated_at = :ua, reopened_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(StatusPending)},
			":expected": &types.AttributeValueMemberS{Value: string(StatusFailed)},
			":ua":       s.timestamp(),
		},
		ConditionExpression: sdkaws.String("#s = :expected"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("reopen order: %w", err)
	}
	return nil
}

// UpdateStatus conditionally updates the order status from expected -> next.
// Returns ErrStatusMismatch if the condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, expected, next Status) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tables.Orders,
		Key:                      stringKey("order_id", orderID),
		UpdateExpression:         sdkaws.String("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(next)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
			":ua":       s.timestamp(),
		},
		ConditionExpression: sdkaws.String("#s = :expected"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// TryMarkPaid writes the status flip, the payment and every stock decrement
// in one TransactWriteItems call. Product writes are guarded by the version
// read while planning; a version conflict replans with fresh stock.
func (s *Store) TryMarkPaid(ctx context.Context, orderID string, p Payment) (bool, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		o, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return false, err
		}
		if o == nil {
			return false, ErrNotFound
		}
		if o.Status != StatusPending {
			return false, nil
		}

		products, err := s.GetProducts(ctx, ProductIDs(o.Items))
		if err != nil {
			return false, err
		}
		changes, anomalies := s.adjuster.Decrement(orderID, InventoryLines(o.Items), StockLevels(products))

		now := s.nowFunc().UTC()
		pay := p
		if pay.PaymentID == "" {
			pay.PaymentID = uuid.NewString()
		}
		pay.OrderID = orderID
		pay.CreatedAt = now

		items, err := s.markPaidItems(pay, changes, products, now)
		if err != nil {
			return false, err
		}

		_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			s.adjuster.Report(ctx, anomalies)
			return true, nil
		}

		reasons, cancelled := cancellationCodes(err)
		if !cancelled {
			return false, fmt.Errorf("transact mark paid: %w", err)
		}
		if len(reasons) > 0 && reasons[0] == "ConditionalCheckFailed" {
			// another caller moved the order first
			return false, nil
		}
		s.logger.InfoContext(ctx, "mark paid cancelled, replanning stock",
			"order_id", orderID, "attempt", attempt, "reasons", reasons)
	}
	return false, ErrContention
}

func (s *Store) markPaidItems(p Payment, changes []inventory.Change, products map[string]Product, now time.Time) ([]types.TransactWriteItem, error) {
	payItem, err := attributevalue.MarshalMap(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payment: %w", err)
	}
	paidAt, err := attributevalue.Marshal(now)
	if err != nil {
		return nil, fmt.Errorf("marshal paid_at: %w", err)
	}

	items := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:                &s.tables.Orders,
				Key:                      stringKey("order_id", p.OrderID),
				UpdateExpression:         sdkaws.String("SET #s = :paid, payment_id = :pid, paid_at = :pa, updated_at = :ua"),
				ConditionExpression:      sdkaws.String("#s = :pending"),
				ExpressionAttributeNames: map[string]string{"#s": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":paid":    &types.AttributeValueMemberS{Value: string(StatusPaid)},
					":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
					":pid":     &types.AttributeValueMemberS{Value: p.PaymentID},
					":pa":      paidAt,
					":ua":      paidAt,
				},
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tables.Payments,
				Item:                payItem,
				ConditionExpression: sdkaws.String("attribute_not_exists(payment_id)"),
			},
		},
	}
	stockItems, err := s.stockItems(changes, products, paidAt)
	if err != nil {
		return nil, err
	}
	return append(items, stockItems...), nil
}

// stockItems turns planned changes into version-guarded product updates.
// Products that do not exist are skipped; the adjuster already reported them.
func (s *Store) stockItems(changes []inventory.Change, products map[string]Product, ua types.AttributeValue) ([]types.TransactWriteItem, error) {
	var items []types.TransactWriteItem
	for _, ch := range changes {
		if _, ok := products[ch.ProductID]; !ok {
			continue
		}
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           &s.tables.Products,
				Key:                 stringKey("product_id", ch.ProductID),
				UpdateExpression:    sdkaws.String("SET stock = :stock, version = :next, updated_at = :ua"),
				ConditionExpression: sdkaws.String("version = :version"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":stock":   numberValue(ch.After),
					":next":    numberValue(ch.Version + 1),
					":version": numberValue(ch.Version),
					":ua":      ua,
				},
			},
		})
	}
	if len(items) > maxProductsPerTransaction {
		return nil, fmt.Errorf("order touches %d products, limit is %d", len(items), maxProductsPerTransaction)
	}
	return items, nil
}

// TransitionWithRestock moves the order and adds its quantities back to
// stock atomically.
func (s *Store) TransitionWithRestock(ctx context.Context, orderID string, expected, next Status) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		o, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return ErrNotFound
		}
		if o.Status != expected {
			return ErrStatusMismatch
		}
		products, err := s.GetProducts(ctx, ProductIDs(o.Items))
		if err != nil {
			return err
		}
		changes := s.adjuster.Restore(InventoryLines(o.Items), StockLevels(products))

		ua := s.timestamp()
		items := []types.TransactWriteItem{{
			Update: &types.Update{
				TableName:                &s.tables.Orders,
				Key:                      stringKey("order_id", orderID),
				UpdateExpression:         sdkaws.String("SET #s = :new, updated_at = :ua"),
				ConditionExpression:      sdkaws.String("#s = :expected"),
				ExpressionAttributeNames: map[string]string{"#s": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":new":      &types.AttributeValueMemberS{Value: string(next)},
					":expected": &types.AttributeValueMemberS{Value: string(expected)},
					":ua":       ua,
				},
			},
		}}
		stockItems, err := s.stockItems(changes, products, ua)
		if err != nil {
			return err
		}
		items = append(items, stockItems...)

		_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return nil
		}
		reasons, cancelled := cancellationCodes(err)
		if !cancelled {
			return fmt.Errorf("transact restock: %w", err)
		}
		if len(reasons) > 0 && reasons[0] == "ConditionalCheckFailed" {
			return ErrStatusMismatch
		}
		s.logger.InfoContext(ctx, "restock cancelled, replanning",
			"order_id", orderID, "attempt", attempt, "reasons", reasons)
	}
	return ErrContention
}

func (s *Store) ListPayments(ctx context.Context, orderID string) ([]Payment, error) {
	var (
		out   []Payment
		start map[string]types.AttributeValue
	)
	for {
		res, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tables.Payments,
			IndexName:              sdkaws.String(paymentsByOrderIndex),
			KeyConditionExpression: sdkaws.String("order_id = :oid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":oid": &types.AttributeValueMemberS{Value: orderID},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query payments: %w", err)
		}
		var page []Payment
		if err := attributevalue.UnmarshalListOfMaps(res.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal payments: %w", err)
		}
		out = append(out, page...)
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = res.LastEvaluatedKey
	}
}

// GetProducts returns the products that exist among productIDs.
func (s *Store) GetProducts(ctx context.Context, productIDs []string) (map[string]Product, error) {
	out := make(map[string]Product, len(productIDs))
	for _, id := range productIDs {
		res, err := s.client.GetItem(ctx, &dyn.GetItemInput{
			TableName:      &s.tables.Products,
			Key:            stringKey("product_id", id),
			ConsistentRead: sdkaws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("get product %s: %w", id, err)
		}
		if len(res.Item) == 0 {
			continue
		}
		var p Product
		if err := attributevalue.UnmarshalMap(res.Item, &p); err != nil {
			return nil, fmt.Errorf("unmarshal product %s: %w", id, err)
		}
		out[id] = p
	}
	return out, nil
}

// PutProduct writes a catalog entry. The stored version is bumped past the
// current one so any stock plan made before the write is rejected.
func (s *Store) PutProduct(ctx context.Context, p Product) error {
	current, err := s.GetProducts(ctx, []string{p.ProductID})
	if err != nil {
		return err
	}
	if cur, ok := current[p.ProductID]; ok && p.Version <= cur.Version {
		p.Version = cur.Version + 1
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tables.Products, Item: item}); err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

func (s *Store) SaveCard(ctx context.Context, c Card) error {
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tables.Cards,
		Item:                item,
		ConditionExpression: sdkaws.String("attribute_not_exists(card_id)"),
	})
	if err != nil {
		return fmt.Errorf("put card: %w", err)
	}
	return nil
}

func (s *Store) GetCard(ctx context.Context, cardID string) (*Card, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Cards,
		Key:       stringKey("card_id", cardID),
	})
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var c Card
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal card: %w", err)
	}
	return &c, nil
}

func (s *Store) ListCards(ctx context.Context, userID string) ([]Card, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tables.Cards,
		IndexName:              sdkaws.String(cardsByUserIndex),
		KeyConditionExpression: sdkaws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	var cards []Card
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &cards); err != nil {
		return nil, fmt.Errorf("unmarshal cards: %w", err)
	}
	return cards, nil
}

// DeactivateCard returns ErrNotFound when the card does not exist or
// belongs to someone else.
func (s *Store) DeactivateCard(ctx context.Context, userID, cardID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Cards,
		Key:              stringKey("card_id", cardID),
		UpdateExpression: sdkaws.String("SET active = :f"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f":   &types.AttributeValueMemberBOOL{Value: false},
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ConditionExpression: sdkaws.String("user_id = :uid"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("deactivate card: %w", err)
	}
	return nil
}

func (s *Store) timestamp() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)}
}

func stringKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{name: &types.AttributeValueMemberS{Value: value}}
}

func numberValue(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func isConditionalFailure(err error) bool {
	var sc *types.ConditionalCheckFailedException
	return errors.As(err, &sc)
}

// cancellationCodes extracts per-item reason codes from a cancelled
// transaction.
func cancellationCodes(err error) ([]string, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	codes := make([]string, 0, len(tce.CancellationReasons))
	for _, r := range tce.CancellationReasons {
		codes = append(codes, sdkaws.ToString(r.Code))
	}
	return codes, true
}
