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

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/store"
)

// Integration test against a disposable database; set TEST_DATABASE_URL to run.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore_LedgerClaimIsUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	account := "acct-" + uuid.NewString()

	rec := &models.ProcessedEmailRecord{EmailAccountID: account, GmailMessageID: "m1", Subject: "Bestelling"}
	require.NoError(t, s.ClaimMessage(ctx, rec))
	assert.NotZero(t, rec.ID)

	err := s.ClaimMessage(ctx, &models.ProcessedEmailRecord{EmailAccountID: account, GmailMessageID: "m1"})
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	seen, err := s.ProcessedMessageIDs(ctx, account, []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m1": true}, seen)

	n, err := s.ResetAccount(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_OrderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	price := decimal.RequireFromString("24.99")

	o := &models.Order{
		ID:          uuid.NewString(),
		UserID:      user,
		OrderNumber: "30129822",
		Retailer:    "Coolblue",
		Amount:      decimal.RequireFromString("49.98"),
		Currency:    "EUR",
		OrderDate:   time.Date(2024, 7, 10, 0, 0, 0, 0, time.UTC),
		Status:      models.StatusConfirmed,
		Items:       []models.OrderItem{{Name: "Kabel", Quantity: 2, Price: &price}},
	}
	require.NoError(t, s.CreateOrder(ctx, o))

	dup := *o
	dup.ID = uuid.NewString()
	require.ErrorIs(t, s.CreateOrder(ctx, &dup), store.ErrAlreadyExists)
	dup.Retailer = "Coolblue B.V."
	require.ErrorIs(t, s.CreateOrder(ctx, &dup), store.ErrAlreadyExists)

	drifted, err := s.FindOrderByNumber(ctx, user, "30129822", "coolblue.nl")
	require.NoError(t, err)
	assert.Equal(t, o.ID, drifted.ID)

	got, err := s.FindOrderByNumber(ctx, user, "30129822", "coolblue")
	require.NoError(t, err)
	assert.True(t, o.Amount.Equal(got.Amount))
	require.Len(t, got.Items, 1)
	assert.True(t, price.Equal(*got.Items[0].Price))

	cands, err := s.FindOrderCandidates(ctx, user, o.Amount, o.OrderDate.AddDate(0, 0, -3), o.OrderDate.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Len(t, cands, 1)

	_, err = s.GetOrder(ctx, uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_JobTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j := &models.EmailScanJob{ID: uuid.NewString(), EmailAccountID: "a", Status: models.JobPending, ScanType: models.ScanFull}
	require.NoError(t, s.CreateJob(ctx, j))
	require.NoError(t, s.TransitionJob(ctx, j.ID, models.JobPending, models.JobRunning, ""))
	require.ErrorIs(t, s.TransitionJob(ctx, j.ID, models.JobPending, models.JobRunning, ""), store.ErrConflict)
	require.NoError(t, s.AddProgress(ctx, j.ID, models.JobProgress{EmailsFound: 3, EmailsProcessed: 1}))
	require.NoError(t, s.TransitionJob(ctx, j.ID, models.JobRunning, models.JobCompleted, ""))
	require.ErrorIs(t, s.AddProgress(ctx, j.ID, models.JobProgress{EmailsProcessed: 1, LastError: "late"}), store.ErrConflict)
	require.ErrorIs(t, s.AddProgress(ctx, uuid.NewString(), models.JobProgress{EmailsProcessed: 1}), store.ErrNotFound)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 3, got.EmailsFound)
	assert.Equal(t, 1, got.EmailsProcessed)
	assert.Empty(t, got.LastError)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}
