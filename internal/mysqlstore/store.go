package mysqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-storefront-payments/internal/inventory"
	"github.com/imrishuroy/go-storefront-payments/internal/orders"
)

const txAttempts = 3

// Store implements orders.Repository on MySQL.
type Store struct {
	db       *sql.DB
	adjuster *inventory.Adjuster
	logger   *slog.Logger
	nowFunc  func() time.Time
}

var _ orders.Repository = (*Store)(nil)

func NewStore(db *sql.DB, adjuster *inventory.Adjuster, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if adjuster == nil {
		adjuster = inventory.NewAdjuster(logger, nil)
	}
	return &Store{db: db, adjuster: adjuster, logger: logger, nowFunc: time.Now}
}

func (s *Store) now() time.Time { return s.nowFunc().UTC() }

func (s *Store) CreateOrder(ctx context.Context, o *orders.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (order_id, user_id, items, shipping, total, status, preference_id, payment_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.UserID, items, o.Shipping, o.Total, string(o.Status), o.PreferenceID, o.PaymentID, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("order %s already exists", o.OrderID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `order_id, user_id, items, shipping, total, status, preference_id, payment_id, created_at, updated_at, paid_at, reopened_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*orders.Order, error) {
	var (
		o      orders.Order
		items  []byte
		status string
		paidAt sql.NullTime
		reopen sql.NullTime
	)
	if err := row.Scan(&o.OrderID, &o.UserID, &items, &o.Shipping, &o.Total, &status,
		&o.PreferenceID, &o.PaymentID, &o.CreatedAt, &o.UpdatedAt, &paidAt, &reopen); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	o.Status = orders.Status(status)
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	if reopen.Valid {
		t := reopen.Time
		o.ReopenedAt = &t
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *Store) AttachPreference(ctx context.Context, orderID, preferenceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET preference_id = ?, updated_at = ? WHERE order_id = ?`,
		preferenceID, s.now(), orderID)
	if err != nil {
		return fmt.Errorf("attach preference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// RowsAffected is 0 for an unchanged row too
		exists, err := s.orderExists(ctx, s.db, orderID)
		if err != nil {
			return err
		}
		if !exists {
			return orders.ErrNotFound
		}
	}
	return nil
}

func (s *Store) Reopen(ctx context.Context, orderID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ?, reopened_at = ? WHERE order_id = ? AND status = ?`,
		string(orders.StatusPending), now, now, orderID, string(orders.StatusFailed))
	if err != nil {
		return fmt.Errorf("reopen order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return orders.ErrStatusMismatch
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, orderID string, expected, next orders.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ? AND status = ?`,
		string(next), s.now(), orderID, string(expected))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return orders.ErrStatusMismatch
	}
	return nil
}

func (s *Store) TryMarkPaid(ctx context.Context, orderID string, p orders.Payment) (bool, error) {
	now := s.now()
	if p.PaymentID == "" {
		p.PaymentID = uuid.NewString()
	}
	p.OrderID = orderID
	p.CreatedAt = now

	var (
		applied   bool
		anomalies []inventory.Anomaly
	)
	err := withTx(ctx, s.db, txAttempts, func(tx *sql.Tx) error {
		applied, anomalies = false, nil

		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, payment_id = ?, paid_at = ?, updated_at = ?
			 WHERE order_id = ? AND status = ?`,
			string(orders.StatusPaid), p.PaymentID, now, now, orderID, string(orders.StatusPending))
		if err != nil {
			return fmt.Errorf("mark paid: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			exists, err := s.orderExists(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if !exists {
				return orders.ErrNotFound
			}
			return nil
		}

		order, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID))
		if err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		levels, err := lockProducts(ctx, tx, orders.ProductIDs(order.Items))
		if err != nil {
			return err
		}
		changes, found := s.adjuster.Decrement(orderID, orders.InventoryLines(order.Items), levels)
		if err := writeStock(ctx, tx, changes, levels); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payments (payment_id, order_id, external_id, external_status, status_detail, amount, method, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.PaymentID, p.OrderID, p.ExternalID, p.ExternalStatus, p.StatusDetail, p.Amount, p.Method, p.CreatedAt); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		applied, anomalies = true, found
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.adjuster.Report(ctx, anomalies)
	}
	return applied, nil
}

func (s *Store) TransitionWithRestock(ctx context.Context, orderID string, expected, next orders.Status) error {
	return withTx(ctx, s.db, txAttempts, func(tx *sql.Tx) error {
		order, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE order_id = ? FOR UPDATE`, orderID))
		if errors.Is(err, sql.ErrNoRows) {
			return orders.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if order.Status != expected {
			return orders.ErrStatusMismatch
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`,
			string(next), s.now(), orderID); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		levels, err := lockProducts(ctx, tx, orders.ProductIDs(order.Items))
		if err != nil {
			return err
		}
		return writeStock(ctx, tx, s.adjuster.Restore(orders.InventoryLines(order.Items), levels), levels)
	})
}

// lockProducts reads and row-locks the products in id order so concurrent
// transactions acquire locks in the same sequence.
func lockProducts(ctx context.Context, tx *sql.Tx, ids []string) (map[string]inventory.Level, error) {
	levels := make(map[string]inventory.Level, len(ids))
	if len(ids) == 0 {
		return levels, nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	args := make([]any, len(sorted))
	for i, id := range sorted {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT product_id, stock, version FROM products WHERE product_id IN (`+placeholders(len(sorted))+`) ORDER BY product_id FOR UPDATE`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			lvl inventory.Level
		)
		if err := rows.Scan(&id, &lvl.Stock, &lvl.Version); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		levels[id] = lvl
	}
	return levels, rows.Err()
}

// writeStock applies planned levels. Products missing from levels were
// deleted and are skipped.
func writeStock(ctx context.Context, tx *sql.Tx, changes []inventory.Change, levels map[string]inventory.Level) error {
	for _, ch := range changes {
		if _, ok := levels[ch.ProductID]; !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE products SET stock = ?, version = version + 1 WHERE product_id = ?`,
			ch.After, ch.ProductID); err != nil {
			return fmt.Errorf("update stock for %s: %w", ch.ProductID, err)
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) orderExists(ctx context.Context, q querier, orderID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE order_id = ?`, orderID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check order: %w", err)
	}
	return true, nil
}

func (s *Store) ListPayments(ctx context.Context, orderID string) ([]orders.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payment_id, order_id, external_id, external_status, status_detail, amount, method, created_at
		 FROM payments WHERE order_id = ? ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var out []orders.Payment
	for rows.Next() {
		var p orders.Payment
		if err := rows.Scan(&p.PaymentID, &p.OrderID, &p.ExternalID, &p.ExternalStatus,
			&p.StatusDetail, &p.Amount, &p.Method, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProducts(ctx context.Context, productIDs []string) (map[string]orders.Product, error) {
	out := make(map[string]orders.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(productIDs))
	for i, id := range productIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, name, price, stock, version FROM products WHERE product_id IN (`+placeholders(len(productIDs))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ProductID, &p.Name, &p.Price, &p.Stock, &p.Version); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out[p.ProductID] = p
	}
	return out, rows.Err()
}

// PutProduct upserts a product and bumps its version.
func (s *Store) PutProduct(ctx context.Context, p orders.Product) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (product_id, name, price, stock, version) VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price), stock = VALUES(stock),
		 version = GREATEST(version + 1, VALUES(version))`,
		p.ProductID, p.Name, p.Price, p.Stock, p.Version)
	if err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

func (s *Store) SaveCard(ctx context.Context, c orders.Card) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cards (card_id, user_id, token, brand, last4, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.CardID, c.UserID, c.Token, c.Brand, c.Last4, c.Active, c.CreatedAt.UTC())
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("card %s already exists", c.CardID)
		}
		return fmt.Errorf("save card: %w", err)
	}
	return nil
}

const cardColumns = `card_id, user_id, token, brand, last4, active, created_at`

func scanCard(row rowScanner) (orders.Card, error) {
	var c orders.Card
	err := row.Scan(&c.CardID, &c.UserID, &c.Token, &c.Brand, &c.Last4, &c.Active, &c.CreatedAt)
	return c, err
}

func (s *Store) GetCard(ctx context.Context, cardID string) (*orders.Card, error) {
	c, err := scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE card_id = ?`, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	return &c, nil
}

func (s *Store) ListCards(ctx context.Context, userID string) ([]orders.Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE user_id = ? ORDER BY created_at, card_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()
	var out []orders.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateCard(ctx context.Context, userID, cardID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM cards WHERE card_id = ?`, cardID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return orders.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get card: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE cards SET active = FALSE WHERE card_id = ? AND user_id = ?`, cardID, userID); err != nil {
		return fmt.Errorf("deactivate card: %w", err)
	}
	return nil
}
