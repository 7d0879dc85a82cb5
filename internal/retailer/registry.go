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

// Package retailer holds the deterministic, retailer-specific order parsers
// and the registry that picks one for an email.
package retailer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/orderscan/ingestion/internal/content"
	"github.com/orderscan/ingestion/internal/fuzzy"
	"github.com/orderscan/ingestion/internal/models"
)

// Parser extracts orders from one retailer's emails.
type Parser interface {
	Name() string
	Domains() []string
	// CanParse is a cheap pre-filter on sender domain and subject.
	CanParse(email *models.ExtractedContent) bool
	// Parse never panics and never returns an order missing its mandatory
	// fields; it reports IsOrder=false instead.
	Parse(email *models.ExtractedContent) models.OrderData
}

// Info describes a registered parser.
type Info struct {
	Name    string   `json:"name"`
	Domains []string `json:"domains"`
}

// Classification is the registry's verdict for one email. Parser is nil when
// no deterministic parser applies and the AI fallback should be used.
type Classification struct {
	Retailer   string
	Confidence float64
	Parser     Parser
}

const (
	domainConfidence  = 0.9
	keywordConfidence = 0.6
	fuzzyThreshold    = 0.8
	fuzzyWeight       = 0.7
)

// ErrDuplicateParser is returned when two parsers share a name.
var ErrDuplicateParser = errors.New("duplicate parser")

// Registry resolves parsers in registration order: the first parser whose
// CanParse succeeds wins.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
	names   map[string]struct{}
}

// NewRegistry creates a registry holding parsers in the given order.
func NewRegistry(parsers ...Parser) (*Registry, error) {
	r := &Registry{names: make(map[string]struct{})}
	for _, p := range parsers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends p. Names are unique, compared case-insensitively.
func (r *Registry) Register(p Parser) error {
	key := strings.ToLower(p.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateParser, p.Name())
	}
	r.names[key] = struct{}{}
	r.parsers = append(r.parsers, p)
	return nil
}

// FindParser returns the first parser whose CanParse accepts email, or nil.
func (r *Registry) FindParser(email *models.ExtractedContent) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parsers {
		if p.CanParse(email) {
			return p
		}
	}
	return nil
}

// Classify reports which retailer an email most likely came from. A parser
// found by FindParser scores 0.9 when its domain matched the sender and 0.6
// when only a subject keyword did. Otherwise the sender's display name is
// fuzzily compared with the registered retailer names; such a hint carries
// no parser.
func (r *Registry) Classify(email *models.ExtractedContent) Classification {
	if email == nil {
		return Classification{}
	}
	if p := r.FindParser(email); p != nil {
		conf := keywordConfidence
		if MatchesDomain(content.SenderDomain(email.From), p.Domains()) {
			conf = domainConfidence
		}
		return Classification{Retailer: p.Name(), Confidence: conf, Parser: p}
	}

	sender := content.SenderName(email.From)
	if sender == "" {
		return Classification{}
	}
	best, bestScore := "", 0.0
	for _, info := range r.List() {
		if s := fuzzy.RetailerSimilarity(sender, info.Name); s >= fuzzyThreshold && s > bestScore {
			best, bestScore = info.Name, s
		}
	}
	if best == "" {
		return Classification{}
	}
	return Classification{Retailer: best, Confidence: bestScore * fuzzyWeight}
}

// List returns the registered parsers in resolution order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.parsers))
	for _, p := range r.parsers {
		out = append(out, Info{Name: p.Name(), Domains: append([]string(nil), p.Domains()...)})
	}
	return out
}

// Len returns the number of registered parsers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parsers)
}

// MatchesDomain reports whether domain is one of domains or a subdomain of
// one ("mail.coolblue.nl" matches "coolblue.nl").
func MatchesDomain(domain string, domains []string) bool {
	if domain == "" {
		return false
	}
	domain = strings.ToLower(domain)
	for _, d := range domains {
		d = strings.ToLower(d)
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
