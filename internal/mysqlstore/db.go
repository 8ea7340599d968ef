// Package mysqlstore is the relational backend: orders.Repository and the
// idempotency key store on MySQL.
//
// TryMarkPaid is a conditional UPDATE on the order row followed, in the
// same transaction, by SELECT ... FOR UPDATE on the products, the stock
// writes and the payment insert.
package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	errDuplicateEntry = 1062
	errDeadlock       = 1213
)

// Open connects with parseTime enabled and UTC timestamps.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		product_id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(12,2) NOT NULL,
		stock INT NOT NULL,
		version INT NOT NULL DEFAULT 0,
		CHECK (stock >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		order_id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		items JSON NOT NULL,
		shipping DECIMAL(12,2) NOT NULL,
		total DECIMAL(12,2) NOT NULL,
		status VARCHAR(16) NOT NULL,
		preference_id VARCHAR(128) NOT NULL DEFAULT '',
		payment_id VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		paid_at DATETIME(6) NULL,
		reopened_at DATETIME(6) NULL,
		INDEX idx_orders_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id VARCHAR(64) PRIMARY KEY,
		order_id VARCHAR(64) NOT NULL,
		external_id VARCHAR(64) NOT NULL,
		external_status VARCHAR(32) NOT NULL,
		status_detail VARCHAR(128) NOT NULL DEFAULT '',
		amount DECIMAL(12,2) NOT NULL,
		method VARCHAR(16) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_payments_order (order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cards (
		card_id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(128) NOT NULL,
		token VARCHAR(255) NOT NULL,
		brand VARCHAR(32) NOT NULL,
		last4 CHAR(4) NOT NULL,
		active BOOLEAN NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_cards_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		idempotency_key VARCHAR(255) PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		request_hash CHAR(64) NOT NULL,
		order_id VARCHAR(64) NOT NULL DEFAULT '',
		response_body TEXT NULL,
		response_status INT NOT NULL DEFAULT 0,
		note TEXT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func mysqlErrorNumber(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

func isDuplicate(err error) bool { return mysqlErrorNumber(err) == errDuplicateEntry }

func isDeadlock(err error) bool { return mysqlErrorNumber(err) == errDeadlock }

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// withTx runs fn in a transaction, retrying when InnoDB picks it as a
// deadlock victim.
func withTx(ctx context.Context, db *sql.DB, attempts int, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = runTx(ctx, db, fn)
		if !isDeadlock(err) {
			return err
		}
	}
	return err
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
