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

// Package provider resolves the mailbox client for an email account.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/orderscan/ingestion/internal/config"
	"github.com/orderscan/ingestion/internal/gmail"
	"github.com/orderscan/ingestion/internal/imapbox"
	"github.com/orderscan/ingestion/internal/mailbox"
	"github.com/orderscan/ingestion/internal/models"
)

var (
	// ErrUnsupportedProvider is returned for accounts of an unknown provider.
	ErrUnsupportedProvider = errors.New("unsupported mailbox provider")

	// ErrNoCredentials is returned when an account has no usable credentials.
	ErrNoCredentials = errors.New("no mailbox credentials")
)

// Factory builds mailbox clients. Gmail clients are created per call from
// the account's refresh token; IMAP clients are cached per account and share
// one connection.
type Factory struct {
	oauth        *oauth2.Config
	gmailBaseURL string
	logger       *slog.Logger

	imapAccounts map[string]config.IMAPAccount

	mu          sync.Mutex
	imapClients map[string]*imapbox.Client
}

// Option configures a Factory.
type Option func(*Factory)

// WithGmailBaseURL points Gmail clients at another API root.
func WithGmailBaseURL(u string) Option {
	return func(f *Factory) { f.gmailBaseURL = u }
}

// NewFactory creates a Factory. oauth may be nil when no Gmail accounts are
// served.
func NewFactory(oauth *oauth2.Config, imapAccounts []config.IMAPAccount, logger *slog.Logger, opts ...Option) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		oauth:        oauth,
		logger:       logger,
		imapAccounts: make(map[string]config.IMAPAccount, len(imapAccounts)*2),
		imapClients:  make(map[string]*imapbox.Client),
	}
	for _, a := range imapAccounts {
		f.imapAccounts[a.AccountID] = a
		f.imapAccounts[strings.ToLower(a.Address)] = a
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Client returns the mailbox client for acct.
func (f *Factory) Client(ctx context.Context, acct *models.EmailAccount) (mailbox.Client, error) {
	switch acct.Provider {
	case models.ProviderGmail:
		if f.oauth == nil || acct.RefreshToken == "" {
			return nil, fmt.Errorf("%w: gmail account %s", ErrNoCredentials, acct.ID)
		}
		httpClient := gmail.NewOAuthHTTPClient(ctx, f.oauth, acct.RefreshToken)
		return gmail.NewClient(httpClient, f.gmailBaseURL), nil

	case models.ProviderIMAP:
		return f.imapClient(acct)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, acct.Provider)
}

func (f *Factory) imapClient(acct *models.EmailAccount) (*imapbox.Client, error) {
	cfg, ok := f.imapAccounts[acct.ID]
	if !ok {
		cfg, ok = f.imapAccounts[strings.ToLower(acct.Address)]
	}
	if !ok {
		return nil, fmt.Errorf("%w: imap account %s", ErrNoCredentials, acct.ID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.imapClients[cfg.AccountID]; ok {
		return c, nil
	}
	c := imapbox.NewClient(imapbox.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Mailbox:  cfg.Mailbox,
		TLS:      cfg.TLS,
	}, f.logger)
	f.imapClients[cfg.AccountID] = c
	return c, nil
}

// Accounts returns the IMAP accounts declared in config as EmailAccounts,
// so they can be registered in the store at start-up.
func (f *Factory) Accounts() []models.EmailAccount {
	seen := make(map[string]bool)
	var out []models.EmailAccount
	for _, a := range f.imapAccounts {
		if seen[a.AccountID] {
			continue
		}
		seen[a.AccountID] = true
		out = append(out, models.EmailAccount{
			ID:       a.AccountID,
			UserID:   a.UserID,
			Provider: models.ProviderIMAP,
			Address:  a.Address,
		})
	}
	return out
}

// Close logs out of all cached IMAP sessions.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.imapClients {
		c.Close()
		delete(f.imapClients, id)
	}
}
