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

// Package models defines the data structures shared across the order
// extraction pipeline: extracted email content, order data produced by
// parsers, persisted orders, the processed-email ledger and scan jobs.
package models

import "time"

// ExtractedContent is the cleaned projection of a mailbox message that
// parsers and the AI analyzer work on.
type ExtractedContent struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	Date      time.Time `json:"date"`

	// HTMLBody is the first text/html part as received (used for DOM item
	// extraction). TextBody is the first text/plain part.
	HTMLBody string `json:"html_body,omitempty"`
	TextBody string `json:"text_body,omitempty"`

	// Body is the best matching text: cleaned HTML when present, else the
	// plain-text part, with whitespace collapsed.
	Body string `json:"body"`
}

// Provider identifies the mailbox backend of an EmailAccount.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// EmailAccount is a connected mailbox. Accounts are owned by the account
// management surface; the scanner only reads them.
type EmailAccount struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Provider Provider `json:"provider"`
	Address  string   `json:"address"`

	// RefreshToken is the OAuth2 refresh token for Gmail accounts. IMAP
	// credentials come from the config file keyed by Address.
	RefreshToken string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// ProcessedEmailRecord is the ledger row written once per (account, message).
type ProcessedEmailRecord struct {
	ID               int64      `json:"id"`
	EmailAccountID   string     `json:"email_account_id"`
	GmailMessageID   string     `json:"gmail_message_id"`
	EmailDate        *time.Time `json:"email_date,omitempty"`
	Subject          string     `json:"subject"`
	Sender           string     `json:"sender"`
	RetailerDetected string     `json:"retailer_detected,omitempty"`
	OrderCreated     bool       `json:"order_created"`
	OrderID          *string    `json:"order_id,omitempty"`
	ParseError       string     `json:"parse_error,omitempty"`
	NeedsReview      bool       `json:"needs_review"`
	ProcessedAt      time.Time  `json:"processed_at"`
}
