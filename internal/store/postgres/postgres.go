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

// Package postgres is the pgx-backed implementation of store.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store provides persistence for accounts, the ledger, orders and scan jobs
// in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and ensures the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store backed by the given Postgres pool.
// It ensures the tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure order schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_accounts (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			provider      TEXT NOT NULL,
			address       TEXT NOT NULL,
			refresh_token TEXT DEFAULT '',
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS processed_emails (
			id                BIGSERIAL PRIMARY KEY,
			email_account_id  TEXT NOT NULL,
			gmail_message_id  TEXT NOT NULL,
			email_date        TIMESTAMPTZ,
			subject           TEXT DEFAULT '',
			sender            TEXT DEFAULT '',
			retailer_detected TEXT DEFAULT '',
			order_created     BOOLEAN DEFAULT FALSE,
			order_id          TEXT,
			parse_error       TEXT DEFAULT '',
			needs_review      BOOLEAN DEFAULT FALSE,
			processed_at      TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(email_account_id, gmail_message_id)
		);

		CREATE TABLE IF NOT EXISTS orders (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			email_account_id   TEXT NOT NULL,
			order_number       TEXT DEFAULT '',
			retailer           TEXT NOT NULL,
			retailer_key       TEXT NOT NULL DEFAULT '',
			amount             NUMERIC(14,2) NOT NULL DEFAULT 0,
			currency           TEXT NOT NULL DEFAULT 'EUR',
			order_date         TIMESTAMPTZ NOT NULL,
			status             TEXT NOT NULL,
			estimated_delivery TIMESTAMPTZ,
			tracking_number    TEXT DEFAULT '',
			carrier            TEXT DEFAULT '',
			source_message_id  TEXT DEFAULT '',
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE orders ADD COLUMN IF NOT EXISTS retailer_key TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_orders_amount ON orders(user_id, amount, order_date);

		CREATE TABLE IF NOT EXISTS order_items (
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			position INT NOT NULL,
			name     TEXT NOT NULL,
			quantity INT NOT NULL DEFAULT 1,
			price    NUMERIC(14,2),
			PRIMARY KEY (order_id, position)
		);

		CREATE TABLE IF NOT EXISTS email_scan_jobs (
			id               TEXT PRIMARY KEY,
			email_account_id TEXT NOT NULL,
			status           TEXT NOT NULL,
			scan_type        TEXT NOT NULL,
			date_from        TIMESTAMPTZ,
			date_to          TIMESTAMPTZ,
			query            TEXT DEFAULT '',
			max_results      INT DEFAULT 0,
			emails_found     INT DEFAULT 0,
			emails_processed INT DEFAULT 0,
			orders_created   INT DEFAULT 0,
			errors_count     INT DEFAULT 0,
			last_error       TEXT DEFAULT '',
			cancel_requested BOOLEAN DEFAULT FALSE,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			started_at       TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ,
			heartbeat_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON email_scan_jobs(status);
	`)
	if err != nil {
		return err
	}
	return s.migrateRetailerKey(ctx)
}

// migrateRetailerKey fills orders.retailer_key on rows written before it
// existed, then moves the order uniqueness onto it.
func (s *Store) migrateRetailerKey(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT id, retailer FROM orders WHERE retailer_key = ''`)
	if err != nil {
		return err
	}
	type keyed struct{ id, retailer string }
	pending, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (keyed, error) {
		var k keyed
		err := r.Scan(&k.id, &k.retailer)
		return k, err
	})
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		batch := &pgx.Batch{}
		for _, k := range pending {
			batch.Queue(`UPDATE orders SET retailer_key = $1 WHERE id = $2`, store.RetailerKey(k.retailer), k.id)
		}
		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	_, err = s.pool.Exec(ctx, `
		DROP INDEX IF EXISTS idx_orders_key;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_number_key
			ON orders(user_id, upper(order_number), retailer_key)
			WHERE order_number <> '';
	`)
	return err
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- accounts ----

// GetAccount returns the account with id.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.EmailAccount, error) {
	var a models.EmailAccount
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, provider, address, refresh_token, created_at
		FROM email_accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.UserID, &a.Provider, &a.Address, &a.RefreshToken, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// UpsertAccount inserts or updates an account keyed on id.
func (s *Store) UpsertAccount(ctx context.Context, a *models.EmailAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_accounts (id, user_id, provider, address, refresh_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id       = EXCLUDED.user_id,
			provider      = EXCLUDED.provider,
			address       = EXCLUDED.address,
			refresh_token = EXCLUDED.refresh_token
	`, a.ID, a.UserID, a.Provider, a.Address, a.RefreshToken)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// ---- ledger ----

// ClaimMessage inserts a pending ledger row. A second claim of the same
// (account, message) returns store.ErrAlreadyExists.
func (s *Store) ClaimMessage(ctx context.Context, rec *models.ProcessedEmailRecord) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO processed_emails (email_account_id, gmail_message_id, email_date, subject, sender)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email_account_id, gmail_message_id) DO NOTHING
		RETURNING id, processed_at
	`, rec.EmailAccountID, rec.GmailMessageID, rec.EmailDate, rec.Subject, rec.Sender).Scan(&rec.ID, &rec.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("claim message: %w", err)
	}
	return nil
}

// FinalizeMessage records the outcome on a claimed ledger row.
func (s *Store) FinalizeMessage(ctx context.Context, rec *models.ProcessedEmailRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processed_emails
		SET retailer_detected = $1, order_created = $2, order_id = $3,
		    parse_error = $4, needs_review = $5, processed_at = NOW()
		WHERE email_account_id = $6 AND gmail_message_id = $7
	`, rec.RetailerDetected, rec.OrderCreated, rec.OrderID, rec.ParseError, rec.NeedsReview,
		rec.EmailAccountID, rec.GmailMessageID)
	if err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetProcessed returns the ledger row for (account, message).
func (s *Store) GetProcessed(ctx context.Context, accountID, messageID string) (*models.ProcessedEmailRecord, error) {
	var r models.ProcessedEmailRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, email_account_id, gmail_message_id, email_date, subject, sender,
		       retailer_detected, order_created, order_id, parse_error, needs_review, processed_at
		FROM processed_emails
		WHERE email_account_id = $1 AND gmail_message_id = $2
	`, accountID, messageID).Scan(
		&r.ID, &r.EmailAccountID, &r.GmailMessageID, &r.EmailDate, &r.Subject, &r.Sender,
		&r.RetailerDetected, &r.OrderCreated, &r.OrderID, &r.ParseError, &r.NeedsReview, &r.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get processed email: %w", err)
	}
	return &r, nil
}

// ProcessedMessageIDs reports which of ids already have a ledger row.
func (s *Store) ProcessedMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(ids) == 0 {
		return seen, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT gmail_message_id FROM processed_emails
		WHERE email_account_id = $1 AND gmail_message_id = ANY($2)
	`, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("query processed ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// ResetAccount deletes the ledger rows of an account so a full rescan
// reprocesses everything.
func (s *Store) ResetAccount(ctx context.Context, accountID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_emails WHERE email_account_id = $1`, accountID)
	if err != nil {
		return 0, fmt.Errorf("reset account: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- orders ----

const orderColumns = `id, user_id, email_account_id, order_number, retailer, amount::text, currency,
	order_date, status, estimated_delivery, tracking_number, carrier, source_message_id,
	created_at, updated_at`

// CreateOrder inserts o and its items in one transaction.
func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, email_account_id, order_number, retailer, retailer_key, amount,
			currency, order_date, status, estimated_delivery, tracking_number, carrier, source_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, o.ID, o.UserID, o.EmailAccountID, o.OrderNumber, o.Retailer, store.RetailerKey(o.Retailer),
		o.Amount.StringFixed(2), o.Currency,
		o.OrderDate, o.Status, o.EstimatedDelivery, o.TrackingNumber, o.Carrier, o.SourceMessageID,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		var price *string
		if it.Price != nil {
			p := it.Price.StringFixed(2)
			price = &p
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items (order_id, position, name, quantity, price)
			VALUES ($1, $2, $3, $4, $5::numeric)
		`, o.ID, i, it.Name, it.Quantity, price); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// UpdateOrder writes the mutable shipping fields of o.
func (s *Store) UpdateOrder(ctx context.Context, o *models.Order) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, tracking_number = $2, carrier = $3, estimated_delivery = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`, o.Status, o.TrackingNumber, o.Carrier, o.EstimatedDelivery, o.ID).Scan(&o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// GetOrder returns the order with id, items included.
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return s.withItems(ctx, row)
}

// FindOrderByNumber matches the order number case-insensitively and the
// retailer by its normalised key.
func (s *Store) FindOrderByNumber(ctx context.Context, userID, orderNumber, retailer string) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND upper(order_number) = upper($2) AND retailer_key = $3
		ORDER BY created_at LIMIT 1
	`, userID, orderNumber, store.RetailerKey(retailer))
	return s.withItems(ctx, row)
}

// FindOrderCandidates returns a user's orders with exactly amount, dated
// within [from, to].
func (s *Store) FindOrderCandidates(ctx context.Context, userID string, amount decimal.Decimal, from, to time.Time) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND amount = $2::numeric AND order_date BETWEEN $3 AND $4
		ORDER BY order_date
	`, userID, amount.StringFixed(2), from, to)
	if err != nil {
		return nil, fmt.Errorf("query order candidates: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *Store) withItems(ctx context.Context, row pgx.Row) (*models.Order, error) {
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT name, quantity, price::text FROM order_items WHERE order_id = $1 ORDER BY position
	`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it models.OrderItem
		var price *string
		if err := rows.Scan(&it.Name, &it.Quantity, &price); err != nil {
			return nil, err
		}
		if price != nil {
			if d, err := decimal.NewFromString(*price); err == nil {
				it.Price = &d
			}
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

// scanOrder scans a single row into an Order (without items).
func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var amount string
	err := row.Scan(
		&o.ID, &o.UserID, &o.EmailAccountID, &o.OrderNumber, &o.Retailer, &amount, &o.Currency,
		&o.OrderDate, &o.Status, &o.EstimatedDelivery, &o.TrackingNumber, &o.Carrier, &o.SourceMessageID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return &o, nil
}

// collectOrders scans multiple rows into a slice of Orders.
func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ---- scan jobs ----

const jobColumns = `id, email_account_id, status, scan_type, date_from, date_to, query, max_results,
	emails_found, emails_processed, orders_created, errors_count, last_error, cancel_requested,
	created_at, started_at, completed_at, heartbeat_at`

// CreateJob inserts j.
func (s *Store) CreateJob(ctx context.Context, j *models.EmailScanJob) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_scan_jobs (id, email_account_id, status, scan_type, date_from, date_to, query, max_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, j.ID, j.EmailAccountID, j.Status, j.ScanType, j.DateFrom, j.DateTo, j.Query, j.MaxResults).Scan(&j.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert scan job: %w", err)
	}
	return nil
}

// GetJob returns the job with id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.EmailScanJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_scan_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	return j, nil
}

// TransitionJob moves a job from one status to another if it is still in
// from. started_at is stamped on entering running, completed_at on entering
// a terminal status.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to models.JobStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_scan_jobs
		SET status       = $1,
		    started_at   = CASE WHEN $1 = 'running' THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END,
		    heartbeat_at = NOW(),
		    last_error   = CASE WHEN $5 <> '' THEN $5 ELSE last_error END
		WHERE id = $2 AND status = $3
	`, to, id, from, to.Terminal(), lastError)
	if err != nil {
		return fmt.Errorf("transition scan job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}

// RequestCancel flags a non-terminal job for cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_scan_jobs SET cancel_requested = TRUE
		WHERE id = $1 AND status IN ('pending', 'running')
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}

// AddProgress adds p's counters to a running job and refreshes its
// heartbeat. A job that is no longer running is left untouched and
// ErrConflict is returned.
func (s *Store) AddProgress(ctx context.Context, id string, p models.JobProgress) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_scan_jobs
		SET emails_found     = emails_found + $1,
		    emails_processed = emails_processed + $2,
		    orders_created   = orders_created + $3,
		    errors_count     = errors_count + $4,
		    last_error       = CASE WHEN $5 <> '' THEN $5 ELSE last_error END,
		    heartbeat_at     = NOW()
		WHERE id = $6 AND status = 'running'
	`, p.EmailsFound, p.EmailsProcessed, p.OrdersCreated, p.ErrorsCount, p.LastError, id)
	if err != nil {
		return fmt.Errorf("add scan progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}

// ListStaleJobs returns running jobs whose last heartbeat is before the
// cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, heartbeatBefore time.Time) ([]models.EmailScanJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM email_scan_jobs
		WHERE status = 'running' AND COALESCE(heartbeat_at, started_at, created_at) < $1
		ORDER BY created_at
	`, heartbeatBefore)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.EmailScanJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.EmailScanJob, error) {
	var j models.EmailScanJob
	err := row.Scan(
		&j.ID, &j.EmailAccountID, &j.Status, &j.ScanType, &j.DateFrom, &j.DateTo, &j.Query, &j.MaxResults,
		&j.EmailsFound, &j.EmailsProcessed, &j.OrdersCreated, &j.ErrorsCount, &j.LastError, &j.CancelRequested,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
