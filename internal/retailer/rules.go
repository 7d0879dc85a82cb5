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

package retailer

import (
	"regexp"
	"strings"
	"time"

	"github.com/orderscan/ingestion/internal/content"
	"github.com/orderscan/ingestion/internal/models"
)

// Rules describe one retailer's email format. Empty pattern lists fall back
// to the shared Dutch/English markers.
type Rules struct {
	Name            string
	Domains         []string
	SubjectKeywords []string

	OrderNumber []*regexp.Regexp
	Total       []*regexp.Regexp

	// SkipSubjects marks mail from the retailer that is never an order
	// (reviews, marketing).
	SkipSubjects []*regexp.Regexp

	// Ignore makes every email from the retailer a non-order.
	Ignore bool

	DefaultCarrier string
	Currency       string
	Items          ItemExtractor
}

const (
	strongConfidence   = 0.9
	weakConfidence     = 0.75
	shippingConfidence = 0.6
	itemsBonus         = 0.05
	maxConfidence      = 0.95
)

// RuleParser is a Parser driven entirely by a Rules table.
type RuleParser struct {
	rules Rules
}

// NewRuleParser creates a parser for r.
func NewRuleParser(r Rules) *RuleParser {
	if r.Currency == "" {
		r.Currency = models.DefaultCurrency
	}
	if r.Items == nil {
		r.Items = TableItems
	}
	return &RuleParser{rules: r}
}

func (p *RuleParser) Name() string      { return p.rules.Name }
func (p *RuleParser) Domains() []string { return p.rules.Domains }

// CanParse accepts mail from one of the retailer's domains, or whose subject
// names the retailer.
func (p *RuleParser) CanParse(email *models.ExtractedContent) bool {
	if email == nil {
		return false
	}
	if MatchesDomain(content.SenderDomain(email.From), p.rules.Domains) {
		return true
	}
	subject := strings.ToLower(email.Subject)
	for _, kw := range p.rules.SubjectKeywords {
		if strings.Contains(subject, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Parse extracts an order. Missing mandatory fields yield IsOrder=false;
// a panic anywhere in extraction does too.
func (p *RuleParser) Parse(email *models.ExtractedContent) (data models.OrderData) {
	data = models.NotAnOrder(p.rules.Name, models.SourceParser)
	if email == nil || p.rules.Ignore {
		return data
	}
	defer func() {
		if r := recover(); r != nil {
			data = models.NotAnOrder(p.rules.Name, models.SourceParser)
		}
	}()

	for _, re := range p.rules.SkipSubjects {
		if re.MatchString(email.Subject) {
			return data
		}
	}

	text := email.Subject + " " + email.Body
	number, strongNumber := findOrderNumber(p.rules.OrderNumber, text)
	if number == "" {
		return data
	}

	anchor := email.Date
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}
	status := DetectStatus(email.Subject, email.Body)
	tracking, carrier := FindTracking(email.Body)
	if tracking != "" && carrier == "" {
		carrier = p.rules.DefaultCarrier
	}
	total, strongAmount, hasAmount := findTotal(p.rules.Total, email.Body)

	out := models.OrderData{
		IsOrder:           true,
		OrderNumber:       number,
		Retailer:          p.rules.Name,
		Currency:          p.rules.Currency,
		OrderDate:         findOrderDate(email.Body, anchor),
		Status:            status,
		EstimatedDelivery: findDelivery(email.Body, anchor),
		TrackingNumber:    tracking,
		Carrier:           carrier,
		Source:            models.SourceParser,
	}

	if !hasAmount {
		if tracking == "" && status != models.StatusShipped && status != models.StatusDelivered && status != models.StatusCancelled {
			return data
		}
		if out.Status == models.StatusPending {
			out.Status = models.StatusShipped
		}
		out.Confidence = shippingConfidence
		return out
	}

	out.Amount = total.amount
	if total.currency != "" {
		out.Currency = total.currency
	}
	out.Confidence = strongConfidence
	if !strongNumber || !strongAmount {
		out.Confidence = weakConfidence
	}
	if items := p.rules.Items(email); len(items) > 0 {
		out.Items = items
		out.Confidence += itemsBonus
		if out.Confidence > maxConfidence {
			out.Confidence = maxConfidence
		}
	}
	return out
}
