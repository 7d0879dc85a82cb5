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

// Package mailbox defines the provider-neutral mailbox client contract used
// by the scanner, plus the raw message shapes the content extractor decodes.
package mailbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrAuthRevoked means the account's credentials no longer work. It is
	// fatal to the whole scan job.
	ErrAuthRevoked = errors.New("mailbox authorization revoked")

	// ErrRateLimited means the provider throttled us; the call may be retried
	// after a backoff.
	ErrRateLimited = errors.New("mailbox rate limited")
)

// ListQuery selects candidate messages.
type ListQuery struct {
	// Query is a provider search expression (Gmail search syntax). IMAP
	// clients only honour the date bounds.
	Query      string
	After      *time.Time
	Before     *time.Time
	MaxResults int
	PageToken  string
}

// ListResult is one page of message IDs.
type ListResult struct {
	IDs                []string
	NextPageToken      string
	ResultSizeEstimate int
}

// Header is a single message header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PartBody holds base64url-encoded part data.
type PartBody struct {
	Size         int    `json:"size"`
	Data         string `json:"data,omitempty"`
	AttachmentID string `json:"attachmentId,omitempty"`
}

// Part is a node of a nested MIME structure as returned by the Gmail API.
type Part struct {
	PartID   string   `json:"partId,omitempty"`
	MimeType string   `json:"mimeType"`
	Filename string   `json:"filename,omitempty"`
	Headers  []Header `json:"headers,omitempty"`
	Body     PartBody `json:"body"`
	Parts    []Part   `json:"parts,omitempty"`
}

// Header returns the first header value with the given name
// (case-insensitive).
func (p *Part) Header(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// RawMessage is a message as fetched from a provider. Exactly one of Payload
// (Gmail) or RFC822 (IMAP) is normally set; HTMLBody/TextBody may be filled
// directly by providers that already split the parts.
type RawMessage struct {
	ID       string
	ThreadID string
	Date     time.Time
	Subject  string
	Sender   string
	HTMLBody string
	TextBody string

	Payload *Part
	RFC822  []byte
}

// Client is implemented by every mailbox provider.
type Client interface {
	ListMessages(ctx context.Context, q ListQuery) (*ListResult, error)
	// GetMessage returns (nil, nil) when the message no longer exists.
	GetMessage(ctx context.Context, id string) (*RawMessage, error)
	GetMessagesBatch(ctx context.Context, ids []string) ([]*RawMessage, error)
}
