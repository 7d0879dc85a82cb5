// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is the single-file implementation of store.Store used by
// the CLI and small deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store persists everything in one SQLite database. Timestamps are stored
// as fixed-width UTC text so they compare correctly as strings.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s, err := NewStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps db and ensures the schema.
func NewStore(ctx context.Context, db *sqlx.DB) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	if err := s.migrateRetailerKey(ctx); err != nil {
		return nil, fmt.Errorf("migrate retailer key: %w", err)
	}
	slog.Info("sqlite store initialised")
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS email_accounts (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	address       TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_emails (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	email_account_id  TEXT NOT NULL,
	gmail_message_id  TEXT NOT NULL,
	email_date        TEXT,
	subject           TEXT NOT NULL DEFAULT '',
	sender            TEXT NOT NULL DEFAULT '',
	retailer_detected TEXT NOT NULL DEFAULT '',
	order_created     INTEGER NOT NULL DEFAULT 0,
	order_id          TEXT,
	parse_error       TEXT NOT NULL DEFAULT '',
	needs_review      INTEGER NOT NULL DEFAULT 0,
	processed_at      TEXT NOT NULL,
	UNIQUE(email_account_id, gmail_message_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	email_account_id   TEXT NOT NULL,
	order_number       TEXT NOT NULL DEFAULT '',
	retailer           TEXT NOT NULL,
	retailer_key       TEXT NOT NULL DEFAULT '',
	amount             TEXT NOT NULL DEFAULT '0.00',
	currency           TEXT NOT NULL DEFAULT 'EUR',
	order_date         TEXT NOT NULL,
	status             TEXT NOT NULL,
	estimated_delivery TEXT,
	tracking_number    TEXT NOT NULL DEFAULT '',
	carrier            TEXT NOT NULL DEFAULT '',
	source_message_id  TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_amount ON orders(user_id, amount, order_date);

CREATE TABLE IF NOT EXISTS order_items (
	order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	name     TEXT NOT NULL,
	quantity INTEGER NOT NULL DEFAULT 1,
	price    TEXT,
	PRIMARY KEY (order_id, position)
);

CREATE TABLE IF NOT EXISTS email_scan_jobs (
	id               TEXT PRIMARY KEY,
	email_account_id TEXT NOT NULL,
	status           TEXT NOT NULL,
	scan_type        TEXT NOT NULL,
	date_from        TEXT,
	date_to          TEXT,
	query            TEXT NOT NULL DEFAULT '',
	max_results      INTEGER NOT NULL DEFAULT 0,
	emails_found     INTEGER NOT NULL DEFAULT 0,
	emails_processed INTEGER NOT NULL DEFAULT 0,
	orders_created   INTEGER NOT NULL DEFAULT 0,
	errors_count     INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	started_at       TEXT,
	completed_at     TEXT,
	heartbeat_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON email_scan_jobs(status);
`

// migrateRetailerKey adds and fills orders.retailer_key on databases created
// before it existed, then moves the order uniqueness onto it.
func (s *Store) migrateRetailerKey(ctx context.Context) error {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pragma_table_info('orders') WHERE name = 'retailer_key'`); err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx,
			`ALTER TABLE orders ADD COLUMN retailer_key TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	var rows []struct {
		ID       string `db:"id"`
		Retailer string `db:"retailer"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, retailer FROM orders WHERE retailer_key = ''`); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := s.db.ExecContext(ctx, `UPDATE orders SET retailer_key = ? WHERE id = ?`,
			store.RetailerKey(r.Retailer), r.ID); err != nil {
			return err
		}
	}

	_, err := s.db.ExecContext(ctx, `
		DROP INDEX IF EXISTS idx_orders_key;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_number_key
			ON orders(user_id, upper(order_number), retailer_key)
			WHERE order_number <> '';`)
	return err
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() {
	_ = s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- accounts ----

type accountRow struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	Provider     string    `db:"provider"`
	Address      string    `db:"address"`
	RefreshToken string    `db:"refresh_token"`
	CreatedAt    timestamp `db:"created_at"`
}

// GetAccount returns the account with id.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.EmailAccount, error) {
	var r accountRow
	err := s.db.GetContext(ctx, &r, `
		SELECT id, user_id, provider, address, refresh_token, created_at
		FROM email_accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &models.EmailAccount{
		ID:           r.ID,
		UserID:       r.UserID,
		Provider:     models.Provider(r.Provider),
		Address:      r.Address,
		RefreshToken: r.RefreshToken,
		CreatedAt:    r.CreatedAt.Time,
	}, nil
}

// UpsertAccount inserts or updates an account keyed on id.
func (s *Store) UpsertAccount(ctx context.Context, a *models.EmailAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_accounts (id, user_id, provider, address, refresh_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id       = excluded.user_id,
			provider      = excluded.provider,
			address       = excluded.address,
			refresh_token = excluded.refresh_token`,
		a.ID, a.UserID, string(a.Provider), a.Address, a.RefreshToken, at(s.now()))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// ---- ledger ----

type processedRow struct {
	ID               int64          `db:"id"`
	EmailAccountID   string         `db:"email_account_id"`
	GmailMessageID   string         `db:"gmail_message_id"`
	EmailDate        timestamp      `db:"email_date"`
	Subject          string         `db:"subject"`
	Sender           string         `db:"sender"`
	RetailerDetected string         `db:"retailer_detected"`
	OrderCreated     bool           `db:"order_created"`
	OrderID          sql.NullString `db:"order_id"`
	ParseError       string         `db:"parse_error"`
	NeedsReview      bool           `db:"needs_review"`
	ProcessedAt      timestamp      `db:"processed_at"`
}

// ClaimMessage inserts a pending ledger row. A second claim of the same
// (account, message) returns store.ErrAlreadyExists.
func (s *Store) ClaimMessage(ctx context.Context, rec *models.ProcessedEmailRecord) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_emails
			(email_account_id, gmail_message_id, email_date, subject, sender, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EmailAccountID, rec.GmailMessageID, atPtr(rec.EmailDate), rec.Subject, rec.Sender, at(now))
	if err != nil {
		return fmt.Errorf("claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim message: %w", err)
	}
	if n == 0 {
		return store.ErrAlreadyExists
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("claim message: %w", err)
	}
	rec.ProcessedAt = now
	return nil
}

// FinalizeMessage records the outcome on a claimed ledger row.
func (s *Store) FinalizeMessage(ctx context.Context, rec *models.ProcessedEmailRecord) error {
	var orderID sql.NullString
	if rec.OrderID != nil {
		orderID = sql.NullString{String: *rec.OrderID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE processed_emails
		SET retailer_detected = ?, order_created = ?, order_id = ?, parse_error = ?,
		    needs_review = ?, processed_at = ?
		WHERE email_account_id = ? AND gmail_message_id = ?`,
		rec.RetailerDetected, rec.OrderCreated, orderID, rec.ParseError, rec.NeedsReview, at(s.now()),
		rec.EmailAccountID, rec.GmailMessageID)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	return requireRow(res)
}

// GetProcessed returns the ledger row for (account, message).
func (s *Store) GetProcessed(ctx context.Context, accountID, messageID string) (*models.ProcessedEmailRecord, error) {
	var r processedRow
	err := s.db.GetContext(ctx, &r, `
		SELECT id, email_account_id, gmail_message_id, email_date, subject, sender, retailer_detected,
		       order_created, order_id, parse_error, needs_review, processed_at
		FROM processed_emails WHERE email_account_id = ? AND gmail_message_id = ?`, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get processed email: %w", err)
	}
	rec := &models.ProcessedEmailRecord{
		ID:               r.ID,
		EmailAccountID:   r.EmailAccountID,
		GmailMessageID:   r.GmailMessageID,
		EmailDate:        r.EmailDate.ptr(),
		Subject:          r.Subject,
		Sender:           r.Sender,
		RetailerDetected: r.RetailerDetected,
		OrderCreated:     r.OrderCreated,
		ParseError:       r.ParseError,
		NeedsReview:      r.NeedsReview,
		ProcessedAt:      r.ProcessedAt.Time,
	}
	if r.OrderID.Valid {
		rec.OrderID = &r.OrderID.String
	}
	return rec, nil
}

// ProcessedMessageIDs reports which of ids already have a ledger row.
func (s *Store) ProcessedMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(ids) == 0 {
		return seen, nil
	}
	query, args, err := sqlx.In(`
		SELECT gmail_message_id FROM processed_emails
		WHERE email_account_id = ? AND gmail_message_id IN (?)`, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("build processed ids query: %w", err)
	}
	var found []string
	if err := s.db.SelectContext(ctx, &found, query, args...); err != nil {
		return nil, fmt.Errorf("query processed ids: %w", err)
	}
	for _, id := range found {
		seen[id] = true
	}
	return seen, nil
}

// ResetAccount deletes the ledger rows of an account.
func (s *Store) ResetAccount(ctx context.Context, accountID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_emails WHERE email_account_id = ?`, accountID)
	if err != nil {
		return 0, fmt.Errorf("reset account: %w", err)
	}
	return res.RowsAffected()
}

// ---- orders ----

type orderRow struct {
	ID                string    `db:"id"`
	UserID            string    `db:"user_id"`
	EmailAccountID    string    `db:"email_account_id"`
	OrderNumber       string    `db:"order_number"`
	Retailer          string    `db:"retailer"`
	Amount            string    `db:"amount"`
	Currency          string    `db:"currency"`
	OrderDate         timestamp `db:"order_date"`
	Status            string    `db:"status"`
	EstimatedDelivery timestamp `db:"estimated_delivery"`
	TrackingNumber    string    `db:"tracking_number"`
	Carrier           string    `db:"carrier"`
	SourceMessageID   string    `db:"source_message_id"`
	CreatedAt         timestamp `db:"created_at"`
	UpdatedAt         timestamp `db:"updated_at"`
}

func (r orderRow) order() (models.Order, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return models.Order{}, fmt.Errorf("parse amount %q: %w", r.Amount, err)
	}
	return models.Order{
		ID:                r.ID,
		UserID:            r.UserID,
		EmailAccountID:    r.EmailAccountID,
		OrderNumber:       r.OrderNumber,
		Retailer:          r.Retailer,
		Amount:            amount,
		Currency:          r.Currency,
		OrderDate:         r.OrderDate.Time,
		Status:            models.OrderStatus(r.Status),
		EstimatedDelivery: r.EstimatedDelivery.ptr(),
		TrackingNumber:    r.TrackingNumber,
		Carrier:           r.Carrier,
		SourceMessageID:   r.SourceMessageID,
		CreatedAt:         r.CreatedAt.Time,
		UpdatedAt:         r.UpdatedAt.Time,
	}, nil
}

type itemRow struct {
	Name     string         `db:"name"`
	Quantity int            `db:"quantity"`
	Price    sql.NullString `db:"price"`
}

const orderColumns = `id, user_id, email_account_id, order_number, retailer, amount, currency, order_date,
	status, estimated_delivery, tracking_number, carrier, source_message_id, created_at, updated_at`

// CreateOrder inserts o and its items in one transaction.
func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	now := s.now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, email_account_id, order_number, retailer, retailer_key, amount,
			currency, order_date, status, estimated_delivery, tracking_number, carrier, source_message_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.EmailAccountID, o.OrderNumber, o.Retailer, store.RetailerKey(o.Retailer),
		o.Amount.StringFixed(2), o.Currency,
		at(o.OrderDate), string(o.Status), atPtr(o.EstimatedDelivery), o.TrackingNumber, o.Carrier,
		o.SourceMessageID, at(now), at(now))
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		var price sql.NullString
		if it.Price != nil {
			price = sql.NullString{String: it.Price.StringFixed(2), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, name, quantity, price) VALUES (?, ?, ?, ?, ?)`,
			o.ID, i, it.Name, it.Quantity, price); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	o.CreatedAt, o.UpdatedAt = now, now
	return nil
}

// UpdateOrder writes the mutable shipping fields of o.
func (s *Store) UpdateOrder(ctx context.Context, o *models.Order) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, tracking_number = ?, carrier = ?, estimated_delivery = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), o.TrackingNumber, o.Carrier, atPtr(o.EstimatedDelivery), at(now), o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	o.UpdatedAt = now
	return nil
}

// GetOrder returns the order with id, items included.
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
}

// FindOrderByNumber matches the order number case-insensitively and the
// retailer by its normalised key.
func (s *Store) FindOrderByNumber(ctx context.Context, userID, orderNumber, retailer string) (*models.Order, error) {
	return s.getOrder(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND upper(order_number) = upper(?) AND retailer_key = ?
		ORDER BY created_at LIMIT 1`, userID, orderNumber, store.RetailerKey(retailer))
}

// FindOrderCandidates returns a user's orders with exactly amount, dated
// within [from, to].
func (s *Store) FindOrderCandidates(ctx context.Context, userID string, amount decimal.Decimal, from, to time.Time) ([]models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? AND amount = ? AND order_date BETWEEN ? AND ?
		ORDER BY order_date`, userID, amount.StringFixed(2), at(from), at(to))
	if err != nil {
		return nil, fmt.Errorf("query order candidates: %w", err)
	}
	orders := make([]models.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.order()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *Store) getOrder(ctx context.Context, query string, args ...any) (*models.Order, error) {
	var r orderRow
	err := s.db.GetContext(ctx, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	o, err := r.order()
	if err != nil {
		return nil, err
	}

	var items []itemRow
	if err := s.db.SelectContext(ctx, &items, `
		SELECT name, quantity, price FROM order_items WHERE order_id = ? ORDER BY position`, o.ID); err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	for _, it := range items {
		item := models.OrderItem{Name: it.Name, Quantity: it.Quantity}
		if it.Price.Valid {
			if d, err := decimal.NewFromString(it.Price.String); err == nil {
				item.Price = &d
			}
		}
		o.Items = append(o.Items, item)
	}
	return &o, nil
}

// ---- scan jobs ----

type jobRow struct {
	ID              string    `db:"id"`
	EmailAccountID  string    `db:"email_account_id"`
	Status          string    `db:"status"`
	ScanType        string    `db:"scan_type"`
	DateFrom        timestamp `db:"date_from"`
	DateTo          timestamp `db:"date_to"`
	Query           string    `db:"query"`
	MaxResults      int       `db:"max_results"`
	EmailsFound     int       `db:"emails_found"`
	EmailsProcessed int       `db:"emails_processed"`
	OrdersCreated   int       `db:"orders_created"`
	ErrorsCount     int       `db:"errors_count"`
	LastError       string    `db:"last_error"`
	CancelRequested bool      `db:"cancel_requested"`
	CreatedAt       timestamp `db:"created_at"`
	StartedAt       timestamp `db:"started_at"`
	CompletedAt     timestamp `db:"completed_at"`
	HeartbeatAt     timestamp `db:"heartbeat_at"`
}

func (r jobRow) job() models.EmailScanJob {
	return models.EmailScanJob{
		ID:              r.ID,
		EmailAccountID:  r.EmailAccountID,
		Status:          models.JobStatus(r.Status),
		ScanType:        models.ScanType(r.ScanType),
		DateFrom:        r.DateFrom.ptr(),
		DateTo:          r.DateTo.ptr(),
		Query:           r.Query,
		MaxResults:      r.MaxResults,
		EmailsFound:     r.EmailsFound,
		EmailsProcessed: r.EmailsProcessed,
		OrdersCreated:   r.OrdersCreated,
		ErrorsCount:     r.ErrorsCount,
		LastError:       r.LastError,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt.Time,
		StartedAt:       r.StartedAt.ptr(),
		CompletedAt:     r.CompletedAt.ptr(),
		HeartbeatAt:     r.HeartbeatAt.ptr(),
	}
}

const jobColumns = `id, email_account_id, status, scan_type, date_from, date_to, query, max_results,
	emails_found, emails_processed, orders_created, errors_count, last_error, cancel_requested,
	created_at, started_at, completed_at, heartbeat_at`

// CreateJob inserts j.
func (s *Store) CreateJob(ctx context.Context, j *models.EmailScanJob) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_scan_jobs (id, email_account_id, status, scan_type, date_from, date_to,
			query, max_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.EmailAccountID, string(j.Status), string(j.ScanType), atPtr(j.DateFrom), atPtr(j.DateTo),
		j.Query, j.MaxResults, at(now))
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert scan job: %w", err)
	}
	j.CreatedAt = now
	return nil
}

// GetJob returns the job with id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.EmailScanJob, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT `+jobColumns+` FROM email_scan_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	j := r.job()
	return &j, nil
}

// TransitionJob moves a job from one status to another if it is still in
// from.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to models.JobStatus, lastError string) error {
	now := at(s.now())
	var started, completed any
	if to == models.JobRunning {
		started = now
	}
	if to.Terminal() {
		completed = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_scan_jobs
		SET status       = ?,
		    started_at   = COALESCE(?, started_at),
		    completed_at = COALESCE(?, completed_at),
		    heartbeat_at = ?,
		    last_error   = CASE WHEN ? <> '' THEN ? ELSE last_error END
		WHERE id = ? AND status = ?`,
		string(to), started, completed, now, lastError, lastError, id, string(from))
	if err != nil {
		return fmt.Errorf("transition scan job: %w", err)
	}
	return s.conditional(ctx, res, id)
}

// RequestCancel flags a non-terminal job for cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_scan_jobs SET cancel_requested = 1
		WHERE id = ? AND status IN ('pending', 'running')`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return s.conditional(ctx, res, id)
}

// AddProgress adds p's counters to a running job and refreshes its
// heartbeat. A job that is no longer running is left untouched and
// ErrConflict is returned.
func (s *Store) AddProgress(ctx context.Context, id string, p models.JobProgress) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_scan_jobs
		SET emails_found     = emails_found + ?,
		    emails_processed = emails_processed + ?,
		    orders_created   = orders_created + ?,
		    errors_count     = errors_count + ?,
		    last_error       = CASE WHEN ? <> '' THEN ? ELSE last_error END,
		    heartbeat_at     = ?
		WHERE id = ? AND status = 'running'`,
		p.EmailsFound, p.EmailsProcessed, p.OrdersCreated, p.ErrorsCount, p.LastError, p.LastError,
		at(s.now()), id)
	if err != nil {
		return fmt.Errorf("add scan progress: %w", err)
	}
	return s.conditional(ctx, res, id)
}

// ListStaleJobs returns running jobs whose last heartbeat is before the
// cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, heartbeatBefore time.Time) ([]models.EmailScanJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM email_scan_jobs
		WHERE status = 'running' AND COALESCE(heartbeat_at, started_at, created_at) < ?
		ORDER BY created_at`, at(heartbeatBefore))
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	jobs := make([]models.EmailScanJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.job())
	}
	return jobs, nil
}

// conditional maps a zero-row conditional update to ErrNotFound or
// ErrConflict.
func (s *Store) conditional(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return store.ErrConflict
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
