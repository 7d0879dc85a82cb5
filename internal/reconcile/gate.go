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

// Package reconcile decides what an extracted order means for the ledger and
// the order table: create a new order, enrich an existing one, or skip.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orderscan/ingestion/internal/dedup"
	"github.com/orderscan/ingestion/internal/fuzzy"
	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/store"
)

const (
	// RetailerThreshold is the minimum retailer similarity for a fuzzy match.
	RetailerThreshold = 0.8

	// DateWindow is how far apart two emails about the same order may be
	// dated for a fuzzy match.
	DateWindow = 3 * 24 * time.Hour
)

// Skip reasons.
const (
	ReasonAlreadyProcessed = "already processed"
	ReasonNotAnOrder       = "not an order"
	ReasonLowConfidence    = "low confidence"
	ReasonNoMatchingOrder  = "no matching order"
	ReasonDuplicateOrder   = "duplicate order"
)

// Store is the persistence the gate needs.
type Store interface {
	ClaimMessage(ctx context.Context, rec *models.ProcessedEmailRecord) error
	FinalizeMessage(ctx context.Context, rec *models.ProcessedEmailRecord) error
	CreateOrder(ctx context.Context, o *models.Order) error
	UpdateOrder(ctx context.Context, o *models.Order) error
	FindOrderByNumber(ctx context.Context, userID, orderNumber, retailer string) (*models.Order, error)
	FindOrderCandidates(ctx context.Context, userID string, amount decimal.Decimal, from, to time.Time) ([]models.Order, error)
}

// Action is what Apply will do.
type Action int

const (
	ActionSkip Action = iota
	ActionCreate
	ActionUpdateExisting
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdateExisting:
		return "update_existing"
	default:
		return "skip"
	}
}

// Decision is the outcome of Reconcile. It holds the order-key lock until
// Apply or Release is called.
type Decision struct {
	Action      Action
	Reason      string
	OrderID     string
	NeedsReview bool

	record   *models.ProcessedEmailRecord
	existing *models.Order
	unlock   func()
	once     sync.Once
}

// Release drops the lock without writing. Safe to call more than once.
func (d *Decision) Release() {
	d.once.Do(func() {
		if d.unlock != nil {
			d.unlock()
		}
	})
}

// Gate reconciles extracted orders against the ledger and existing orders.
type Gate struct {
	store         Store
	locker        dedup.Locker
	minConfidence float64
	logger        *slog.Logger
}

// NewGate creates a Gate.
func NewGate(s Store, locker dedup.Locker, minConfidence float64, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:         s,
		locker:        locker,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

func ledgerRecord(acct *models.EmailAccount, email *models.ExtractedContent) *models.ProcessedEmailRecord {
	rec := &models.ProcessedEmailRecord{
		EmailAccountID: acct.ID,
		GmailMessageID: email.MessageID,
		Subject:        email.Subject,
		Sender:         email.From,
	}
	if !email.Date.IsZero() {
		d := email.Date
		rec.EmailDate = &d
	}
	return rec
}

// Reconcile claims the message and decides what to do with data. Every
// decision except "already processed" owns a claimed ledger row that Apply
// finalises. A failure after the claim is written to that row as its parse
// error.
func (g *Gate) Reconcile(ctx context.Context, acct *models.EmailAccount, email *models.ExtractedContent, data models.OrderData) (*Decision, error) {
	rec := ledgerRecord(acct, email)
	if err := g.store.ClaimMessage(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return &Decision{Action: ActionSkip, Reason: ReasonAlreadyProcessed}, nil
		}
		return nil, fmt.Errorf("claim message: %w", err)
	}
	rec.RetailerDetected = data.Retailer

	d := &Decision{Action: ActionSkip, record: rec}
	switch {
	case !data.IsOrder:
		d.Reason = ReasonNotAnOrder
		return d, nil
	case data.Confidence < g.minConfidence:
		d.Reason = ReasonLowConfidence
		d.NeedsReview = true
		return d, nil
	}

	unlock, err := g.locker.Lock(ctx, dedup.OrderKey(acct.UserID, data.OrderNumber, data.Retailer, email.MessageID))
	if err != nil {
		return nil, g.abandon(ctx, rec, fmt.Errorf("lock order key: %w", err))
	}
	d.unlock = unlock

	existing, err := g.findExisting(ctx, acct.UserID, data, email.Date)
	if err != nil {
		d.Release()
		return nil, g.abandon(ctx, rec, err)
	}
	switch {
	case existing != nil:
		d.Action = ActionUpdateExisting
		d.OrderID = existing.ID
		d.existing = existing
	case !data.HasAmount():
		d.Reason = ReasonNoMatchingOrder
	default:
		d.Action = ActionCreate
	}
	return d, nil
}

// findExisting looks up by order number and normalised retailer, then by
// fuzzy retailer, equal amount and a nearby order date.
func (g *Gate) findExisting(ctx context.Context, userID string, data models.OrderData, emailDate time.Time) (*models.Order, error) {
	if data.OrderNumber != "" {
		o, err := g.store.FindOrderByNumber(ctx, userID, data.OrderNumber, data.Retailer)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find order by number: %w", err)
		}
	}
	if !data.HasAmount() {
		return nil, nil
	}

	date := orderDate(data, emailDate)
	candidates, err := g.store.FindOrderCandidates(ctx, userID, data.Amount, date.Add(-DateWindow), date.Add(DateWindow))
	if err != nil {
		return nil, fmt.Errorf("find order candidates: %w", err)
	}
	for i := range candidates {
		c := &candidates[i]
		// Two different order numbers are two different orders.
		if data.OrderNumber != "" && c.OrderNumber != "" && !strings.EqualFold(c.OrderNumber, data.OrderNumber) {
			continue
		}
		if fuzzy.RetailerSimilarity(c.Retailer, data.Retailer) >= RetailerThreshold {
			return c, nil
		}
	}
	return nil, nil
}

func orderDate(data models.OrderData, emailDate time.Time) time.Time {
	switch {
	case !data.OrderDate.IsZero():
		return data.OrderDate
	case !emailDate.IsZero():
		return emailDate
	}
	return time.Now().UTC()
}

// Apply performs the write for d and finalises the ledger row. The lock
// taken by Reconcile is released on return.
func (g *Gate) Apply(ctx context.Context, d *Decision, acct *models.EmailAccount, email *models.ExtractedContent, data models.OrderData) error {
	defer d.Release()
	if d.record == nil {
		return nil
	}
	rec := d.record

	switch d.Action {
	case ActionCreate:
		o := newOrder(acct, email, data)
		err := g.store.CreateOrder(ctx, o)
		if errors.Is(err, store.ErrAlreadyExists) {
			g.logger.Info("order already exists, skipping",
				"account_id", acct.ID,
				"message_id", email.MessageID,
				"order_number", data.OrderNumber,
			)
			d.Action = ActionSkip
			d.Reason = ReasonDuplicateOrder
			break
		}
		if err != nil {
			return g.abandon(ctx, rec, fmt.Errorf("create order: %w", err))
		}
		d.OrderID = o.ID
		rec.OrderCreated = true
		rec.OrderID = &o.ID
		g.logger.Info("order created",
			"account_id", acct.ID,
			"message_id", email.MessageID,
			"order_id", o.ID,
			"retailer", o.Retailer,
			"amount", o.Amount.StringFixed(2),
		)

	case ActionUpdateExisting:
		merged, changed := Merge(*d.existing, data)
		if changed {
			if err := g.store.UpdateOrder(ctx, &merged); err != nil {
				return g.abandon(ctx, rec, fmt.Errorf("update order: %w", err))
			}
			g.logger.Info("order updated",
				"account_id", acct.ID,
				"message_id", email.MessageID,
				"order_id", merged.ID,
				"status", merged.Status,
			)
		}
		id := merged.ID
		rec.OrderID = &id

	default:
		rec.NeedsReview = d.NeedsReview
	}

	if err := g.store.FinalizeMessage(ctx, rec); err != nil {
		return g.abandon(ctx, rec, fmt.Errorf("finalize message: %w", err))
	}
	return nil
}

// abandon finalises a claimed ledger row with cause as its parse error so
// the failure is kept and later scans do not find a silent, empty claim.
// It returns cause.
func (g *Gate) abandon(ctx context.Context, rec *models.ProcessedEmailRecord, cause error) error {
	rec.ParseError = cause.Error()
	if err := g.store.FinalizeMessage(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Error("failed to record reconcile error on ledger",
			"account_id", rec.EmailAccountID,
			"message_id", rec.GmailMessageID,
			"cause", cause,
			"error", err,
		)
	}
	return cause
}

// Process runs Reconcile and Apply back to back.
func (g *Gate) Process(ctx context.Context, acct *models.EmailAccount, email *models.ExtractedContent, data models.OrderData) (*Decision, error) {
	d, err := g.Reconcile(ctx, acct, email, data)
	if err != nil {
		return nil, err
	}
	if err := g.Apply(ctx, d, acct, email, data); err != nil {
		return nil, err
	}
	return d, nil
}

// RecordFailure writes a ledger row carrying parseErr for a message that
// could not be extracted. A message that is already in the ledger is left
// alone.
func (g *Gate) RecordFailure(ctx context.Context, acct *models.EmailAccount, email *models.ExtractedContent, parseErr error) error {
	rec := ledgerRecord(acct, email)
	if err := g.store.ClaimMessage(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("claim message: %w", err)
	}
	rec.ParseError = parseErr.Error()
	if err := g.store.FinalizeMessage(ctx, rec); err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	return nil
}

func newOrder(acct *models.EmailAccount, email *models.ExtractedContent, data models.OrderData) *models.Order {
	currency := data.Currency
	if currency == "" {
		currency = models.DefaultCurrency
	}
	return &models.Order{
		ID:                uuid.NewString(),
		UserID:            acct.UserID,
		EmailAccountID:    acct.ID,
		OrderNumber:       data.OrderNumber,
		Retailer:          data.Retailer,
		Amount:            data.Amount,
		Currency:          currency,
		OrderDate:         orderDate(data, email.Date),
		Status:            data.Status,
		EstimatedDelivery: data.EstimatedDelivery,
		TrackingNumber:    data.TrackingNumber,
		Carrier:           data.Carrier,
		SourceMessageID:   email.MessageID,
		Items:             data.Items,
	}
}

// Merge folds a later email about the same order into o. Status only moves
// forward; tracking, carrier and estimated delivery are taken when present.
func Merge(o models.Order, data models.OrderData) (models.Order, bool) {
	changed := false
	if next := o.Status.Advance(data.Status); next != o.Status {
		o.Status = next
		changed = true
	}
	if data.TrackingNumber != "" && data.TrackingNumber != o.TrackingNumber {
		o.TrackingNumber = data.TrackingNumber
		changed = true
	}
	if data.Carrier != "" && data.Carrier != o.Carrier {
		o.Carrier = data.Carrier
		changed = true
	}
	if data.EstimatedDelivery != nil && (o.EstimatedDelivery == nil || !o.EstimatedDelivery.Equal(*data.EstimatedDelivery)) {
		ed := *data.EstimatedDelivery
		o.EstimatedDelivery = &ed
		changed = true
	}
	return o, changed
}
