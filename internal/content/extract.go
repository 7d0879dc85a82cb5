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

// Package content turns provider messages (Gmail part trees or raw RFC 822
// bytes) into the cleaned ExtractedContent that parsers consume.
package content

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/orderscan/ingestion/internal/mailbox"
	"github.com/orderscan/ingestion/internal/models"
)

// ErrEmptyMessage is returned when a message has neither subject nor body.
var ErrEmptyMessage = errors.New("message has no subject or body")

// Extract builds ExtractedContent from whatever representation the provider
// returned.
func Extract(raw *mailbox.RawMessage) (*models.ExtractedContent, error) {
	if raw == nil {
		return nil, ErrEmptyMessage
	}

	var (
		c   *models.ExtractedContent
		err error
	)
	switch {
	case raw.Payload != nil:
		c, err = FromGmail(raw.Payload)
	case len(raw.RFC822) > 0:
		c, err = FromRFC822(bytes.NewReader(raw.RFC822))
	default:
		c = &models.ExtractedContent{HTMLBody: raw.HTMLBody, TextBody: raw.TextBody}
	}
	if err != nil {
		return nil, err
	}

	c.MessageID = raw.ID
	c.ThreadID = raw.ThreadID
	if raw.Subject != "" {
		c.Subject = raw.Subject
	}
	if raw.Sender != "" {
		c.From = raw.Sender
	}
	if !raw.Date.IsZero() {
		c.Date = raw.Date
	}
	c.Body = Text(c)

	if strings.TrimSpace(c.Subject) == "" && c.Body == "" {
		return nil, ErrEmptyMessage
	}
	return c, nil
}

// Text returns the best matching text for c: cleaned HTML when present,
// otherwise the cleaned plain-text part.
func Text(c *models.ExtractedContent) string {
	if c.HTMLBody != "" {
		if t := CleanHTML(c.HTMLBody); t != "" {
			return t
		}
	}
	return CleanText(c.TextBody)
}

// FromGmail walks a Gmail part tree depth-first and keeps the first text/html
// and first text/plain bodies.
func FromGmail(payload *mailbox.Part) (*models.ExtractedContent, error) {
	c := &models.ExtractedContent{
		Subject: payload.Header("Subject"),
		From:    payload.Header("From"),
	}
	if d := payload.Header("Date"); d != "" {
		if t, err := netmail.ParseDate(d); err == nil {
			c.Date = t
		}
	}
	if err := walkParts(payload, c); err != nil {
		return nil, err
	}
	return c, nil
}

func walkParts(p *mailbox.Part, c *models.ExtractedContent) error {
	mt := strings.ToLower(p.MimeType)
	if p.Body.Data != "" && p.Filename == "" {
		switch {
		case strings.HasPrefix(mt, "text/html") && c.HTMLBody == "":
			b, err := decodeBase64URL(p.Body.Data)
			if err != nil {
				return fmt.Errorf("decode part %s: %w", p.PartID, err)
			}
			c.HTMLBody = string(b)
		case strings.HasPrefix(mt, "text/plain") && c.TextBody == "":
			b, err := decodeBase64URL(p.Body.Data)
			if err != nil {
				return fmt.Errorf("decode part %s: %w", p.PartID, err)
			}
			c.TextBody = string(b)
		}
	}
	for i := range p.Parts {
		if err := walkParts(&p.Parts[i], c); err != nil {
			return err
		}
	}
	return nil
}

// decodeBase64URL accepts both padded and unpadded URL-safe base64, and
// falls back to the standard alphabet some relays produce.
func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// FromRFC822 parses a complete message (as fetched over IMAP).
func FromRFC822(r io.Reader) (*models.ExtractedContent, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	defer mr.Close()

	c := &models.ExtractedContent{}
	if s, err := mr.Header.Subject(); err == nil {
		c.Subject = s
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		c.From = from[0].String()
	}
	if d, err := mr.Header.Date(); err == nil {
		c.Date = d
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s body: %w", ct, err)
		}
		switch {
		case strings.HasPrefix(ct, "text/html") && c.HTMLBody == "":
			c.HTMLBody = string(body)
		case strings.HasPrefix(ct, "text/plain") && c.TextBody == "":
			c.TextBody = string(body)
		}
	}
	return c, nil
}
