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

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order as seen in email.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusShipped   OrderStatus = "shipped"
	StatusDelivered OrderStatus = "delivered"
	StatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// rank orders the forward-moving statuses. Cancelled is handled separately.
func (s OrderStatus) rank() int {
	switch s {
	case StatusConfirmed:
		return 1
	case StatusShipped:
		return 2
	case StatusDelivered:
		return 3
	default:
		return 0
	}
}

// Advance returns the status an order should have after seeing next.
// Status only moves forward; cancelled always wins.
func (s OrderStatus) Advance(next OrderStatus) OrderStatus {
	if s == StatusCancelled || next == StatusCancelled {
		return StatusCancelled
	}
	if !next.Valid() || next.rank() <= s.rank() {
		return s
	}
	return next
}

// ParseOrderStatus maps free-form status text (as returned by the model) onto
// the enum. Unknown values become pending.
func ParseOrderStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "confirmed", "bevestigd", "ordered", "placed":
		return StatusConfirmed
	case "shipped", "verzonden", "in_transit", "in transit", "dispatched", "onderweg":
		return StatusShipped
	case "delivered", "bezorgd", "afgeleverd", "geleverd":
		return StatusDelivered
	case "cancelled", "canceled", "geannuleerd":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// Source records which extraction stage produced an OrderData.
type Source string

const (
	SourceParser Source = "parser"
	SourceAI     Source = "ai"
)

// OrderItem is a single line of an order.
type OrderItem struct {
	Name     string           `json:"name"`
	Quantity int              `json:"quantity"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

// OrderData is the normalized result of extracting one email. Values are
// treated as immutable once returned by a parser or the analyzer.
type OrderData struct {
	IsOrder           bool            `json:"is_order"`
	OrderNumber       string          `json:"order_number,omitempty"`
	Retailer          string          `json:"retailer"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	OrderDate         time.Time       `json:"order_date"`
	Status            OrderStatus     `json:"status"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
	TrackingNumber    string          `json:"tracking_number,omitempty"`
	Carrier           string          `json:"carrier,omitempty"`
	Items             []OrderItem     `json:"items,omitempty"`
	Confidence        float64         `json:"confidence"`
	Source            Source          `json:"source"`
}

// DefaultCurrency is assumed when an email does not state one.
const DefaultCurrency = "EUR"

// NotAnOrder is the canonical negative result.
func NotAnOrder(retailer string, source Source) OrderData {
	return OrderData{
		IsOrder:  false,
		Retailer: retailer,
		Currency: DefaultCurrency,
		Status:   StatusPending,
		Source:   source,
	}
}

// HasAmount reports whether a positive total was extracted.
func (d OrderData) HasAmount() bool {
	return d.Amount.GreaterThan(decimal.Zero)
}

// IsShippingUpdate reports whether the data describes a post-purchase event
// rather than a purchase.
func (d OrderData) IsShippingUpdate() bool {
	switch d.Status {
	case StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return d.TrackingNumber != "" && !d.HasAmount()
}

// ErrInvalidOrderData is returned by Validate.
var ErrInvalidOrderData = errors.New("invalid order data")

// Validate enforces the OrderData invariants.
func (d OrderData) Validate() error {
	if d.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrInvalidOrderData, d.Amount)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f out of range", ErrInvalidOrderData, d.Confidence)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidOrderData, d.Status)
	}
	if len(d.Currency) != 3 {
		return fmt.Errorf("%w: currency %q is not ISO 4217", ErrInvalidOrderData, d.Currency)
	}
	for i, it := range d.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity %d", ErrInvalidOrderData, i, it.Quantity)
		}
		if it.Price != nil && it.Price.IsNegative() {
			return fmt.Errorf("%w: item %d negative price", ErrInvalidOrderData, i)
		}
	}
	if d.IsOrder && d.OrderNumber == "" && !d.HasAmount() {
		return fmt.Errorf("%w: order without number or amount", ErrInvalidOrderData)
	}
	return nil
}

// Order is a persisted, user-scoped order.
type Order struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	EmailAccountID    string          `json:"email_account_id"`
	OrderNumber       string          `json:"order_number,omitempty"`
	Retailer          string          `json:"retailer"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	OrderDate         time.Time       `json:"order_date"`
	Status            OrderStatus     `json:"status"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
	TrackingNumber    string          `json:"tracking_number,omitempty"`
	Carrier           string          `json:"carrier,omitempty"`
	SourceMessageID   string          `json:"source_message_id"`
	Items             []OrderItem     `json:"items,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
