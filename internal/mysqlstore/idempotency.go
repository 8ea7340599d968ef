package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/go-storefront-payments/internal/idempotency"
)

// IdempotencyStore keeps Idempotency-Key records in MySQL with the same
// semantics as the DynamoDB store: expired rows are replaced lazily.
type IdempotencyStore struct {
	db        *sql.DB
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

func NewIdempotencyStore(db *sql.DB, ttlWindow time.Duration) *IdempotencyStore {
	return &IdempotencyStore{db: db, ttlWindow: ttlWindow, nowFunc: time.Now}
}

func (s *IdempotencyStore) CreateIfNotExists(ctx context.Context, key, requestHash string) (bool, error) {
	now := s.nowFunc().UTC()
	expires := now.Add(s.ttlWindow).Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (idempotency_key, status, request_hash, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, idempotency.StatusInProgress, requestHash, now, now, expires)
	if err == nil {
		return true, nil
	}
	if !isDuplicate(err) {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}

	// take over a row whose TTL has passed
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency SET status = ?, request_hash = ?, order_id = '', response_body = NULL,
		 response_status = 0, note = NULL, created_at = ?, updated_at = ?, expires_at = ?
		 WHERE idempotency_key = ? AND expires_at <= ?`,
		idempotency.StatusInProgress, requestHash, now, now, expires, key, now.Unix())
	if err != nil {
		return false, fmt.Errorf("replace expired idempotency key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *IdempotencyStore) Reclaim(ctx context.Context, key, requestHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency SET status = ?, request_hash = ?, updated_at = ? WHERE idempotency_key = ? AND status = ?`,
		idempotency.StatusInProgress, requestHash, s.nowFunc().UTC(), key, idempotency.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*idempotency.IdempotencyRecord, error) {
	var (
		rec  idempotency.IdempotencyRecord
		body sql.NullString
		note sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, status, request_hash, order_id, response_body, response_status, note, created_at, updated_at, expires_at
		 FROM idempotency WHERE idempotency_key = ?`, key).
		Scan(&rec.IdempotencyKey, &rec.Status, &rec.RequestHash, &rec.OrderID, &body, &rec.ResponseStatus,
			&note, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	rec.ResponseBody = body.String
	rec.Note = note.String
	return &rec, nil
}

func (s *IdempotencyStore) MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency SET status = ?, order_id = ?, response_body = ?, response_status = ?, updated_at = ?
		 WHERE idempotency_key = ?`,
		idempotency.StatusDone, orderID, responseBody, responseStatus, s.nowFunc().UTC(), key)
	if err != nil {
		return fmt.Errorf("mark idempotency key done: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) MarkFailed(ctx context.Context, key, note string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency SET status = ?, note = ?, updated_at = ? WHERE idempotency_key = ?`,
		idempotency.StatusFailed, note, s.nowFunc().UTC(), key)
	if err != nil {
		return fmt.Errorf("mark idempotency key failed: %w", err)
	}
	return nil
}
