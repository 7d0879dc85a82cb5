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

package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderscan/ingestion/internal/content"
	"github.com/orderscan/ingestion/internal/mailbox"
)

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func messageJSON(id string) map[string]any {
	return map[string]any{
		"id":           id,
		"threadId":     "t-" + id,
		"internalDate": "1720598400000", // 2024-07-10T08:00:00Z
		"payload": map[string]any{
			"mimeType": "multipart/alternative",
			"headers": []map[string]string{
				{"name": "Subject", "value": "Je bestelling " + id},
				{"name": "From", "value": "Coolblue <info@coolblue.nl>"},
			},
			"parts": []map[string]any{
				{"partId": "0", "mimeType": "text/plain", "body": map[string]any{"data": b64("Totaal: € 49,98")}},
				{"partId": "1", "mimeType": "text/html", "body": map[string]any{"data": b64("<p>Totaal: <b>&euro; 49,98</b></p>")}},
			},
		},
	}
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL)
}

func TestListMessages(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/me/messages", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "from:coolblue.nl after:1719792000 before:1720656000", q.Get("q"))
		assert.Equal(t, "50", q.Get("maxResults"))
		assert.Equal(t, "p2", q.Get("pageToken"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages":           []map[string]string{{"id": "a", "threadId": "ta"}, {"id": "b", "threadId": "tb"}},
			"nextPageToken":      "p3",
			"resultSizeEstimate": 120,
		})
	})

	after := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 7, 11, 0, 0, 0, 0, time.UTC)
	res, err := c.ListMessages(context.Background(), mailbox.ListQuery{
		Query:      "from:coolblue.nl",
		After:      &after,
		Before:     &before,
		MaxResults: 50,
		PageToken:  "p2",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.IDs)
	assert.Equal(t, "p3", res.NextPageToken)
	assert.Equal(t, 120, res.ResultSizeEstimate)
}

func TestGetMessage(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		switch r.URL.Path {
		case "/users/me/messages/m1":
			_ = json.NewEncoder(w).Encode(messageJSON("m1"))
		default:
			http.NotFound(w, r)
		}
	})

	msg, err := c.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "t-m1", msg.ThreadID)
	assert.Equal(t, "Je bestelling m1", msg.Subject)
	assert.Equal(t, "Coolblue <info@coolblue.nl>", msg.Sender)
	assert.Equal(t, time.Date(2024, 7, 10, 8, 0, 0, 0, time.UTC), msg.Date)

	// The payload decodes through the content extractor.
	ext, err := content.Extract(msg)
	require.NoError(t, err)
	assert.Equal(t, "Totaal: € 49,98", ext.Body)

	gone, err := c.GetMessage(context.Background(), "deleted")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, mailbox.ErrAuthRevoked},
		{"forbidden", http.StatusForbidden, `{"error":{"errors":[{"reason":"insufficientPermissions"}]}}`, mailbox.ErrAuthRevoked},
		{"quota", http.StatusForbidden, `{"error":{"errors":[{"reason":"userRateLimitExceeded"}]}}`, mailbox.ErrRateLimited},
		{"too many requests", http.StatusTooManyRequests, `{}`, mailbox.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.GetMessage(context.Background(), "m1")
			require.ErrorIs(t, err, tt.want)
		})
	}

	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.ListMessages(context.Background(), mailbox.ListQuery{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.NotErrorIs(t, err, mailbox.ErrRateLimited)
}

func TestGetMessagesBatch(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/users/me/messages/")
		if id == "gone" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(messageJSON(id))
	})

	msgs, err := c.GetMessagesBatch(context.Background(), []string{"a", "gone", "b", "c"})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, "c", msgs[2].ID)
}

func TestBuildQuery(t *testing.T) {
	assert.Equal(t, "", BuildQuery(mailbox.ListQuery{}))
	after := time.Unix(100, 0)
	assert.Equal(t, "after:100", BuildQuery(mailbox.ListQuery{Query: "  ", After: &after}))
}
