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

// Package imapbox is a mailbox.Client for plain IMAP accounts. Message IDs
// are UIDs of the selected mailbox; bodies are returned as raw RFC 822 for
// the content extractor.
package imapbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/orderscan/ingestion/internal/mailbox"
)

var _ mailbox.Client = (*Client)(nil)

// Config holds connection settings for one mailbox.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Mailbox     string
	TLS         bool
	DialTimeout time.Duration
}

// session is the subset of *client.Client the scanner uses.
type session interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// dialFunc opens and authenticates a session.
type dialFunc func(cfg Config) (session, error)

// Client is a lazily connected IMAP mailbox. It is safe for concurrent use;
// commands are serialised on the single connection.
type Client struct {
	cfg    Config
	dial   dialFunc
	logger *slog.Logger

	mu   sync.Mutex
	sess session
}

// NewClient creates a client for cfg. The connection is opened on first use.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, dial: dialIMAP, logger: logger.With("imap_user", cfg.Username)}
}

func dialIMAP(cfg Config) (session, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	var (
		c   *client.Client
		err error
	)
	if cfg.TLS {
		c, err = client.DialWithDialerTLS(dialer, addr, nil)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: login: %v", mailbox.ErrAuthRevoked, err)
	}
	return c, nil
}

// conn returns the open session, connecting and selecting the mailbox if
// needed. Callers hold c.mu.
func (c *Client) conn() (session, error) {
	if c.sess != nil {
		return c.sess, nil
	}
	c.logger.Info("connecting to IMAP server", "host", c.cfg.Host)
	s, err := c.dial(c.cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.Select(c.cfg.Mailbox, true); err != nil {
		_ = s.Logout()
		return nil, fmt.Errorf("select %s: %w", c.cfg.Mailbox, err)
	}
	c.sess = s
	return s, nil
}

// drop forgets a broken session so the next call reconnects.
func (c *Client) drop() {
	if c.sess != nil {
		_ = c.sess.Logout()
		c.sess = nil
	}
}

// Close logs out.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
}

// ListMessages searches by date and pages through the UIDs newest first.
// The page token is the offset into the result.
func (c *Client) ListMessages(ctx context.Context, q mailbox.ListQuery) (*mailbox.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.conn()
	if err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	if q.After != nil {
		criteria.Since = *q.After
	}
	if q.Before != nil {
		criteria.Before = *q.Before
	}
	uids, err := s.UidSearch(criteria)
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("uid search: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

	offset := 0
	if q.PageToken != "" {
		if offset, err = strconv.Atoi(q.PageToken); err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid page token %q", q.PageToken)
		}
	}
	size := q.MaxResults
	if size <= 0 {
		size = 100
	}

	res := &mailbox.ListResult{ResultSizeEstimate: len(uids)}
	if offset >= len(uids) {
		return res, nil
	}
	end := offset + size
	if end < len(uids) {
		res.NextPageToken = strconv.Itoa(end)
	} else {
		end = len(uids)
	}
	for _, uid := range uids[offset:end] {
		res.IDs = append(res.IDs, strconv.FormatUint(uint64(uid), 10))
	}
	return res, nil
}

// GetMessage fetches one message by UID. Returns (nil, nil) when the UID no
// longer exists.
func (c *Client) GetMessage(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	msgs, err := c.GetMessagesBatch(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// GetMessagesBatch fetches the given UIDs in one UID FETCH, in the order
// requested. Missing UIDs are dropped.
func (c *Client) GetMessagesBatch(ctx context.Context, ids []string) ([]*mailbox.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqSet := new(imap.SeqSet)
	for _, id := range ids {
		uid, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q", id)
		}
		seqSet.AddNum(uint32(uid))
	}
	if seqSet.Empty() {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.conn()
	if err != nil {
		return nil, err
	}

	// PEEK so scanning does not mark mail as read.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- s.UidFetch(seqSet, items, messages)
	}()

	byUID := make(map[string]*mailbox.RawMessage, len(ids))
	for msg := range messages {
		raw, err := toRaw(msg, section)
		if err != nil {
			c.logger.Warn("failed to read message", "uid", msg.Uid, "error", err)
			continue
		}
		byUID[raw.ID] = raw
	}
	if err := <-done; err != nil {
		c.drop()
		return nil, fmt.Errorf("uid fetch: %w", err)
	}

	out := make([]*mailbox.RawMessage, 0, len(byUID))
	for _, id := range ids {
		if m, ok := byUID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func toRaw(msg *imap.Message, section *imap.BodySectionName) (*mailbox.RawMessage, error) {
	raw := &mailbox.RawMessage{
		ID:   strconv.FormatUint(uint64(msg.Uid), 10),
		Date: msg.InternalDate.UTC(),
	}
	if env := msg.Envelope; env != nil {
		raw.Subject = env.Subject
		raw.ThreadID = env.InReplyTo
		if !env.Date.IsZero() {
			raw.Date = env.Date.UTC()
		}
		if len(env.From) > 0 {
			raw.Sender = formatAddress(env.From[0])
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("no body in response")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	raw.RFC822 = data
	return raw, nil
}

func formatAddress(a *imap.Address) string {
	addr := a.Address()
	if a.PersonalName == "" {
		return addr
	}
	name := strings.ReplaceAll(a.PersonalName, `"`, "")
	return fmt.Sprintf("%q <%s>", name, addr)
}
