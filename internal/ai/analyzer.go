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

// Package ai is the generative-model fallback for emails no retailer parser
// recognises: a cheap keyword pre-check plus structured extraction with
// validation of everything the model returns.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/orderscan/ingestion/internal/content"
	"github.com/orderscan/ingestion/internal/locale"
	"github.com/orderscan/ingestion/internal/models"
)

var (
	// ErrMalformedResponse means the model twice returned something that is
	// not a JSON object matching the order schema.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrUnavailable wraps generator failures other than rate limiting.
	ErrUnavailable = errors.New("model unavailable")
)

// DefaultBodyLimit is the number of body runes sent to the model.
const DefaultBodyLimit = 5000

// Config tunes the analyzer.
type Config struct {
	BodyLimit int
	// Instructions are appended to the prompt (from the config file).
	Instructions string
}

// Analyzer classifies and extracts orders with a Generator.
type Analyzer struct {
	gen          Generator
	schema       *jsonschema.Schema
	bodyLimit    int
	instructions string
}

// NewAnalyzer compiles the response schema and returns an Analyzer.
func NewAnalyzer(gen Generator, cfg Config) (*Analyzer, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	limit := cfg.BodyLimit
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return &Analyzer{gen: gen, schema: schema, bodyLimit: limit, instructions: cfg.Instructions}, nil
}

// Classification is the cheap pre-check result.
type Classification struct {
	Retailer    string
	Confidence  float64
	WillAnalyze bool
}

var (
	orderMarkers      = regexp.MustCompile(`(?i)bestelnummer|ordernummer|bestelling|\border\b|totaal|\btotal\b|bedrag|factuur|invoice|receipt|verzonden|shipped|bezorg|delivery|track`)
	newsletterMarkers = regexp.MustCompile(`(?i)nieuwsbrief|newsletter|unsubscribe|afmelden|uitschrijven|aanbieding|korting|\d+%\s*(?:off|korting)|\bsale\b|\bdeals?\b`)
)

// Classify decides from keywords alone whether the email is worth a model
// call. Newsletters and mails without order vocabulary are not.
func (a *Analyzer) Classify(email *models.ExtractedContent) Classification {
	if email == nil {
		return Classification{}
	}
	text := email.Subject + " " + email.Body
	orders := len(orderMarkers.FindAllStringIndex(text, 20))
	news := len(newsletterMarkers.FindAllStringIndex(text, 20))

	return Classification{
		Retailer:    content.SenderName(email.From),
		Confidence:  clamp(0.15*float64(orders) - 0.1*float64(news)),
		WillAnalyze: orders >= 2 && orders > news,
	}
}

// Input is what the model sees of an email.
type Input struct {
	Subject      string
	From         string
	Date         time.Time
	Body         string
	RetailerHint string
}

// InputFrom builds an Input from extracted content.
func InputFrom(email *models.ExtractedContent, retailerHint string) Input {
	return Input{
		Subject:      email.Subject,
		From:         email.From,
		Date:         email.Date,
		Body:         email.Body,
		RetailerHint: retailerHint,
	}
}

// AnalyzeEmail asks the model for order data. A malformed answer is retried
// once; generator errors are not retried here.
func (a *Analyzer) AnalyzeEmail(ctx context.Context, in Input) (models.OrderData, error) {
	prompt := a.prompt(in, false)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			prompt = a.prompt(in, true)
		}
		text, err := a.gen.Generate(ctx, prompt)
		if err != nil {
			if errors.Is(err, ErrRateLimited) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return models.OrderData{}, err
			}
			return models.OrderData{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		data, err := a.decode(text, in)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrMalformedResponse) {
			return models.OrderData{}, err
		}
		lastErr = err
	}
	return models.OrderData{}, lastErr
}

func (a *Analyzer) prompt(in Input, retry bool) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	if a.instructions != "" {
		b.WriteString("\n")
		b.WriteString(a.instructions)
		b.WriteString("\n")
	}
	if retry {
		b.WriteString("\nYour previous answer was not a valid JSON object. Respond with the JSON object only.\n")
	}
	fmt.Fprintf(&b, "\nSubject: %s\nFrom: %s\nDate: %s\n", in.Subject, in.From, in.Date.Format("2006-01-02"))
	if in.RetailerHint != "" {
		fmt.Fprintf(&b, "Retailer hint: %s\n", in.RetailerHint)
	}
	b.WriteString("Body:\n")
	b.WriteString(truncate(in.Body, a.bodyLimit))
	return b.String()
}

const promptHeader = `You extract purchase orders from Dutch and English e-commerce emails.
Respond ONLY with a JSON object with these fields:
  is_order (boolean), order_number (string), retailer (string),
  amount (string, the order total as printed), currency (ISO 4217, default EUR),
  order_date (YYYY-MM-DD), status (one of pending, confirmed, shipped, delivered, cancelled),
  estimated_delivery (YYYY-MM-DD or null), tracking_number (string or null), carrier (string or null),
  items (array of {name, quantity, price}), confidence (number between 0 and 1).
Rules:
- Dutch amounts use a comma as decimal separator: "€ 49,98" is 49.98 and "12,-" is 12.
- "bestelnummer" and "ordernummer" label the order number; "totaal", "totaalbedrag" and "te betalen" label the total.
- Resolve relative dates such as "morgen" or "maandag 15 juli" against the email date.
- Newsletters, marketing, reviews and account emails are not orders: answer {"is_order": false}.
`

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// response mirrors the schema. Loosely typed fields accept strings or
// numbers because models return both.
type response struct {
	IsOrder           bool           `json:"is_order"`
	OrderNumber       flexString     `json:"order_number"`
	Retailer          string         `json:"retailer"`
	Amount            flexString     `json:"amount"`
	Currency          string         `json:"currency"`
	OrderDate         string         `json:"order_date"`
	Status            string         `json:"status"`
	EstimatedDelivery string         `json:"estimated_delivery"`
	TrackingNumber    string         `json:"tracking_number"`
	Carrier           string         `json:"carrier"`
	Items             []responseItem `json:"items"`
	Confidence        flexString     `json:"confidence"`
}

type responseItem struct {
	Name     string     `json:"name"`
	Quantity flexString `json:"quantity"`
	Price    flexString `json:"price"`
}

// flexString holds a JSON string or number as text.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON returns the first {...} object in text, ignoring code fences
// and prose around it.
func extractJSON(text string) string {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func (a *Analyzer) decode(text string, in Input) (models.OrderData, error) {
	raw := extractJSON(text)
	if raw == "" {
		return models.OrderData{}, fmt.Errorf("%w: no JSON object in response", ErrMalformedResponse)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return models.OrderData{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return models.OrderData{}, fmt.Errorf("%w: schema: %v", ErrMalformedResponse, err)
	}

	var resp response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return models.OrderData{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return normalize(resp, in)
}

// normalize converts a validated response into OrderData, re-checking every
// field the model produced.
func normalize(r response, in Input) (models.OrderData, error) {
	retailer := strings.TrimSpace(r.Retailer)
	if retailer == "" {
		retailer = in.RetailerHint
	}
	if retailer == "" {
		retailer = content.SenderName(in.From)
	}
	if !r.IsOrder {
		return models.NotAnOrder(retailer, models.SourceAI), nil
	}

	amountText := strings.TrimSpace(string(r.Amount))
	if strings.HasPrefix(amountText, "-") {
		return models.OrderData{}, fmt.Errorf("%w: negative amount %q", models.ErrInvalidOrderData, amountText)
	}

	anchor := in.Date
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}

	data := models.OrderData{
		IsOrder:        true,
		OrderNumber:    strings.ToUpper(strings.TrimSpace(string(r.OrderNumber))),
		Retailer:       retailer,
		Amount:         locale.ParseAmount(amountText),
		Currency:       normalizeCurrency(r.Currency),
		OrderDate:      anchor,
		Status:         models.ParseOrderStatus(r.Status),
		TrackingNumber: strings.TrimSpace(r.TrackingNumber),
		Carrier:        strings.TrimSpace(r.Carrier),
		Confidence:     clamp(parseFloat(string(r.Confidence))),
		Source:         models.SourceAI,
	}
	if t, ok := parseDate(r.OrderDate, anchor); ok {
		data.OrderDate = t
	}
	if t, ok := parseDate(r.EstimatedDelivery, anchor); ok {
		data.EstimatedDelivery = &t
	}

	for _, it := range r.Items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			continue
		}
		qty, _ := strconv.Atoi(strings.TrimSpace(string(it.Quantity)))
		if qty < 1 {
			qty = 1
		}
		item := models.OrderItem{Name: name, Quantity: qty}
		if p := locale.ParseAmount(string(it.Price)); p.IsPositive() {
			item.Price = &p
		}
		data.Items = append(data.Items, item)
	}

	if data.OrderNumber == "" && !data.HasAmount() {
		return models.NotAnOrder(retailer, models.SourceAI), nil
	}
	if err := data.Validate(); err != nil {
		return models.OrderData{}, err
	}
	return data, nil
}

func parseDate(s string, anchor time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, anchor.Location()); err == nil {
			return t, true
		}
	}
	return locale.ParseDate(s, anchor)
}

func normalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "€", "":
		return models.DefaultCurrency
	case "$":
		return "USD"
	case "£":
		return "GBP"
	}
	if len(s) != 3 {
		return models.DefaultCurrency
	}
	return s
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
