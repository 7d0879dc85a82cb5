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
)

var marketing = regexp.MustCompile(`(?i)nieuwsbrief|newsletter|beoordeel|\breview|aanbieding|\bdeals?\b|\bkorting|\bsale\b|\btips?\b|\bwin\b`)

// DefaultRules returns the built-in retailer tables in resolution order.
func DefaultRules() []Rules {
	return []Rules{
		{
			Name:            "Coolblue",
			Domains:         []string{"coolblue.nl", "coolblue.be", "coolblue.de"},
			SubjectKeywords: []string{"coolblue"},
			OrderNumber: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bbestelnummer\s*:?\s*(\d{8})\b`),
			},
			SkipSubjects: []*regexp.Regexp{marketing},
		},
		{
			Name:            "bol.com",
			Domains:         []string{"bol.com"},
			SubjectKeywords: []string{"bol.com"},
			OrderNumber: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bbestel(?:nummer|ling)\s*:?\s*(\d{10})\b`),
			},
			SkipSubjects: []*regexp.Regexp{marketing},
		},
		{
			Name:            "Amazon",
			Domains:         []string{"amazon.nl", "amazon.de", "amazon.com", "amazon.co.uk", "amazon.fr", "amazon.be"},
			SubjectKeywords: []string{"amazon"},
			OrderNumber:     []*regexp.Regexp{amazonOrderNumber},
			SkipSubjects:    []*regexp.Regexp{marketing},
			Items:           AmazonItems,
		},
		{
			Name:            "Zalando",
			Domains:         []string{"zalando.nl", "zalando.be", "zalando.de", "zalando.com"},
			SubjectKeywords: []string{"zalando"},
			OrderNumber: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:bestelnummer|ordernummer)\s*:?\s*(\d{14,16})\b`),
			},
			SkipSubjects:   []*regexp.Regexp{marketing},
			DefaultCarrier: "DHL",
		},
		{
			Name:            "MediaMarkt",
			Domains:         []string{"mediamarkt.nl", "mediamarkt.be", "mediamarkt.de"},
			SubjectKeywords: []string{"mediamarkt", "media markt"},
			SkipSubjects:    []*regexp.Regexp{marketing},
		},
		{
			Name:            "IKEA",
			Domains:         []string{"ikea.com", "ikea.nl"},
			SubjectKeywords: []string{"ikea"},
			OrderNumber: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:ordernummer|bestelnummer|order\s*number)\s*:?\s*(\d{9,10})\b`),
			},
			SkipSubjects: []*regexp.Regexp{marketing},
		},
		{
			// Meal deliveries are not tracked as purchases.
			Name:            "Thuisbezorgd",
			Domains:         []string{"thuisbezorgd.nl", "takeaway.com"},
			SubjectKeywords: []string{"thuisbezorgd"},
			Ignore:          true,
		},
	}
}

// Extension adds domains and keywords to a built-in retailer, or defines a
// new one using the shared markers.
type Extension struct {
	Name     string
	Domains  []string
	Keywords []string
}

// Default builds the start-up registry from DefaultRules plus extensions.
func Default(extensions ...Extension) (*Registry, error) {
	rules := DefaultRules()
	for _, ext := range extensions {
		matched := false
		for i := range rules {
			if strings.EqualFold(rules[i].Name, ext.Name) {
				rules[i].Domains = append(rules[i].Domains, ext.Domains...)
				rules[i].SubjectKeywords = append(rules[i].SubjectKeywords, ext.Keywords...)
				matched = true
				break
			}
		}
		if !matched {
			rules = append(rules, Rules{
				Name:            ext.Name,
				Domains:         ext.Domains,
				SubjectKeywords: ext.Keywords,
				SkipSubjects:    []*regexp.Regexp{marketing},
			})
		}
	}

	parsers := make([]Parser, 0, len(rules))
	for _, r := range rules {
		parsers = append(parsers, NewRuleParser(r))
	}
	return NewRegistry(parsers...)
}
