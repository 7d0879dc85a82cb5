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

// Package store defines the persistence contract shared by the Postgres and
// SQLite backends: email accounts, the processed-email ledger, orders and
// scan jobs.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orderscan/ingestion/internal/fuzzy"
	"github.com/orderscan/ingestion/internal/models"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique key is already taken, e.g.
	// a second claim of the same (account, message).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned by conditional updates whose precondition no
	// longer holds (a job moved to another status concurrently).
	ErrConflict = errors.New("state conflict")
)

// RetailerKey is the stored form of a retailer name that order numbers are
// unique under, so "Coolblue" and "Coolblue B.V." share one key.
func RetailerKey(name string) string {
	if k := fuzzy.NormalizeRetailer(name); k != "" {
		return k
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// Store is the full persistence surface. Consumers declare the subsets they
// need.
type Store interface {
	// Accounts
	GetAccount(ctx context.Context, id string) (*models.EmailAccount, error)
	UpsertAccount(ctx context.Context, a *models.EmailAccount) error

	// Processed-email ledger
	ClaimMessage(ctx context.Context, rec *models.ProcessedEmailRecord) error
	FinalizeMessage(ctx context.Context, rec *models.ProcessedEmailRecord) error
	GetProcessed(ctx context.Context, accountID, messageID string) (*models.ProcessedEmailRecord, error)
	ProcessedMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error)
	ResetAccount(ctx context.Context, accountID string) (int64, error)

	// Orders
	CreateOrder(ctx context.Context, o *models.Order) error
	UpdateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	FindOrderByNumber(ctx context.Context, userID, orderNumber, retailer string) (*models.Order, error)
	FindOrderCandidates(ctx context.Context, userID string, amount decimal.Decimal, from, to time.Time) ([]models.Order, error)

	// Scan jobs
	CreateJob(ctx context.Context, j *models.EmailScanJob) error
	GetJob(ctx context.Context, id string) (*models.EmailScanJob, error)
	TransitionJob(ctx context.Context, id string, from, to models.JobStatus, lastError string) error
	RequestCancel(ctx context.Context, id string) error
	AddProgress(ctx context.Context, id string, p models.JobProgress) error
	ListStaleJobs(ctx context.Context, heartbeatBefore time.Time) ([]models.EmailScanJob, error)

	Ping(ctx context.Context) error
	Close()
}
