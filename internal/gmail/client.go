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

// Package gmail is a mailbox.Client for the Gmail REST API. Authentication
// is handled by the OAuth2 transport of the supplied http.Client.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/sync/errgroup"

	"github.com/orderscan/ingestion/internal/mailbox"
)

const (
	// DefaultBaseURL is the Gmail API root.
	DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

	// ReadonlyScope is the only scope the scanner needs.
	ReadonlyScope = "https://www.googleapis.com/auth/gmail.readonly"

	defaultPageSize = 100
	maxPageSize     = 500
	batchParallel   = 5
)

var _ mailbox.Client = (*Client)(nil)

// Client reads one user's mailbox.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Gmail client. baseURL defaults to DefaultBaseURL.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// OAuthConfig returns the OAuth2 config for the Google endpoint.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoints.Google,
		Scopes:       []string{ReadonlyScope},
	}
}

// NewOAuthHTTPClient returns an http.Client that refreshes access tokens
// from refreshToken as needed.
// Token refresh is handled by the oauth2 transport automatically.
func NewOAuthHTTPClient(ctx context.Context, cfg *oauth2.Config, refreshToken string) *http.Client {
	return cfg.Client(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

type listResponse struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
	NextPageToken      string `json:"nextPageToken"`
	ResultSizeEstimate int    `json:"resultSizeEstimate"`
}

// ListMessages returns one page of message IDs matching q.
func (c *Client) ListMessages(ctx context.Context, q mailbox.ListQuery) (*mailbox.ListResult, error) {
	params := url.Values{}
	if s := BuildQuery(q); s != "" {
		params.Set("q", s)
	}
	size := q.MaxResults
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	params.Set("maxResults", strconv.Itoa(size))
	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}

	var page listResponse
	found, err := c.getJSON(ctx, c.baseURL+"/users/me/messages?"+params.Encode(), &page)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	res := &mailbox.ListResult{}
	if !found {
		return res, nil
	}
	res.NextPageToken = page.NextPageToken
	res.ResultSizeEstimate = page.ResultSizeEstimate
	for _, m := range page.Messages {
		res.IDs = append(res.IDs, m.ID)
	}
	return res, nil
}

// BuildQuery merges the free-text query with after:/before: epoch bounds.
func BuildQuery(q mailbox.ListQuery) string {
	parts := make([]string, 0, 3)
	if s := strings.TrimSpace(q.Query); s != "" {
		parts = append(parts, s)
	}
	if q.After != nil {
		parts = append(parts, "after:"+strconv.FormatInt(q.After.Unix(), 10))
	}
	if q.Before != nil {
		parts = append(parts, "before:"+strconv.FormatInt(q.Before.Unix(), 10))
	}
	return strings.Join(parts, " ")
}

type messageResponse struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"threadId"`
	InternalDate string        `json:"internalDate"`
	Payload      *mailbox.Part `json:"payload"`
}

// GetMessage retrieves the full message. Returns (nil, nil) when the message
// has been deleted.
func (c *Client) GetMessage(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	var msg messageResponse
	found, err := c.getJSON(ctx, fmt.Sprintf("%s/users/me/messages/%s?format=full", c.baseURL, url.PathEscape(id)), &msg)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	if !found {
		slog.Warn("message not found (may have been deleted)", "message_id", id)
		return nil, nil
	}
	return toRaw(&msg), nil
}

func toRaw(msg *messageResponse) *mailbox.RawMessage {
	raw := &mailbox.RawMessage{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		Payload:  msg.Payload,
	}
	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil && ms > 0 {
		raw.Date = time.UnixMilli(ms).UTC()
	}
	if msg.Payload != nil {
		raw.Subject = msg.Payload.Header("Subject")
		raw.Sender = msg.Payload.Header("From")
	}
	return raw
}

// GetMessagesBatch fetches ids with bounded parallelism, preserving order
// and dropping messages that no longer exist. The first error aborts the
// batch.
func (c *Client) GetMessagesBatch(ctx context.Context, ids []string) ([]*mailbox.RawMessage, error) {
	results := make([]*mailbox.RawMessage, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallel)
	for i, id := range ids {
		g.Go(func() error {
			msg, err := c.GetMessage(gctx, id)
			if err != nil {
				return err
			}
			results[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, m := range results {
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// getJSON GETs endpoint into v. It reports found=false on 404 and maps auth and
// quota failures onto the mailbox sentinels.
func (c *Client) getJSON(ctx context.Context, endpoint string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return false, fmt.Errorf("%w: token refresh: %v", mailbox.ErrAuthRevoked, re)
		}
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if resp.StatusCode == http.StatusForbidden && isQuotaError(resp.Body) {
			return false, fmt.Errorf("%w: HTTP 403 quota", mailbox.ErrRateLimited)
		}
		return false, fmt.Errorf("%w: HTTP %d", mailbox.ErrAuthRevoked, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, fmt.Errorf("%w: HTTP 429", mailbox.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("gmail API returned HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}

// isQuotaError recognises Gmail's 403 rateLimitExceeded/userRateLimitExceeded
// responses, which are throttling rather than revoked access.
func isQuotaError(body io.Reader) bool {
	var e struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 64<<10)).Decode(&e); err != nil {
		return false
	}
	for _, r := range e.Error.Errors {
		if strings.Contains(r.Reason, "RateLimitExceeded") || strings.Contains(r.Reason, "rateLimitExceeded") {
			return true
		}
	}
	return false
}
