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

	"github.com/shopspring/decimal"

	"github.com/orderscan/ingestion/internal/locale"
	"github.com/orderscan/ingestion/internal/models"
)

// Shared Dutch/English marker tables. Capture group 1 is the value.
var (
	strongOrderNumber = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:bestelnummer|bestellingsnummer|ordernummer|bestelnr|ordernr|order\s*number|order\s*nr|order\s*id|order-id|bestellnummer|order)\.?\s*[:#]\s*([A-Z0-9][A-Z0-9\-]{3,29})\b`),
		regexp.MustCompile(`(?i)\b(?:bestelnummer|bestellingsnummer|ordernummer|bestelnr|ordernr|order\s*number|order\s*nr|bestellnummer)\.?\s+([A-Z0-9][A-Z0-9\-]{3,29})\b`),
		regexp.MustCompile(`(?i)\bbestelling\s*#\s*([A-Z0-9][A-Z0-9\-]{3,29})\b`),
	}
	weakOrderNumber = []*regexp.Regexp{
		regexp.MustCompile(`#\s*(\d{5,15})\b`),
	}

	strongTotal = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:totaalbedrag|totaal\s+bedrag|te\s+betalen|totaal|order\s+total|grand\s+total|total|bedrag|gesamtbetrag|summe)\b[^\d€$£]{0,40}?(?:((?:€|eur|\$|£|usd|gbp)\s*\d[\d.,]*(?:,-)?)|(\d[\d.,]*[.,]\d{2}))`),
	}
	weakTotal = []*regexp.Regexp{
		regexp.MustCompile(`(?i)((?:€|eur)\s*\d[\d.,]*\d(?:,-)?)`),
		regexp.MustCompile(`(?i)(\d[\d.]*,\d{2}\s*(?:€|eur))`),
	}

	orderDatePhrase    = regexp.MustCompile(`(?i)\b(?:besteldatum|bestel\s*datum|datum\s+(?:van\s+)?bestelling|order\s*date|geplaatst\s+op|besteld\s+op|ordered\s+on|placed\s+on)\s*:?\s*(.{0,40})`)
	deliveryDatePhrase = regexp.MustCompile(`(?i)\b(?:verwachte?\s+(?:levering|bezorging|bezorgdatum|leverdatum|bezorgmoment)|bezorgmoment|bezorgdatum|leverdatum|wordt\s+(?:\w+\s+)?bezorgd|bezorgd\s+op|levering|bezorging|estimated\s+delivery|expected\s+delivery|delivery\s+date|arriving|arrives)\s*:?\s*(.{0,60})`)

	dollarMarker = regexp.MustCompile(`(?i)\$|usd`)
	poundMarker  = regexp.MustCompile(`(?i)£|gbp`)
)

// findFirst returns the first capture accepted by valid, trying the
// patterns in order.
func findFirst(patterns []*regexp.Regexp, text string, valid func(string) bool) string {
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if v := strings.TrimSpace(m[1]); v != "" && valid(v) {
				return v
			}
		}
	}
	return ""
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}

// findOrderNumber tries retailer-specific patterns, then the shared strong
// markers, then the weak bare "#12345" form.
func findOrderNumber(specific []*regexp.Regexp, text string) (string, bool) {
	if v := findFirst(specific, text, hasDigit); v != "" {
		return strings.ToUpper(v), true
	}
	if v := findFirst(strongOrderNumber, text, hasDigit); v != "" {
		return strings.ToUpper(v), true
	}
	if v := findFirst(weakOrderNumber, text, hasDigit); v != "" {
		return v, false
	}
	return "", false
}

type amountMatch struct {
	amount   decimal.Decimal
	currency string
}

// largestAmount returns the largest positive amount among all captures. A
// grand total is never smaller than the lines it sums.
func largestAmount(patterns []*regexp.Regexp, text string) (amountMatch, bool) {
	var best amountMatch
	found := false
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			for _, raw := range m[1:] {
				if raw == "" {
					continue
				}
				d := locale.ParseAmount(raw)
				if !d.IsPositive() {
					continue
				}
				if !found || d.GreaterThan(best.amount) {
					best = amountMatch{amount: d, currency: currencyOf(raw)}
					found = true
				}
			}
		}
	}
	return best, found
}

// findTotal locates the order total near a total keyword, falling back to
// the largest euro amount in the text.
func findTotal(specific []*regexp.Regexp, text string) (amountMatch, bool, bool) {
	if m, ok := largestAmount(specific, text); ok {
		return m, true, true
	}
	if m, ok := largestAmount(strongTotal, text); ok {
		return m, true, true
	}
	if m, ok := largestAmount(weakTotal, text); ok {
		return m, false, true
	}
	return amountMatch{}, false, false
}

func currencyOf(raw string) string {
	switch {
	case dollarMarker.MatchString(raw):
		return "USD"
	case poundMarker.MatchString(raw):
		return "GBP"
	default:
		return ""
	}
}

func findOrderDate(text string, anchor time.Time) time.Time {
	if m := orderDatePhrase.FindStringSubmatch(text); m != nil {
		if t, ok := locale.ParseDate(m[1], anchor); ok {
			return t
		}
	}
	return anchor
}

func findDelivery(text string, anchor time.Time) *time.Time {
	for _, m := range deliveryDatePhrase.FindAllStringSubmatch(text, -1) {
		if t, ok := locale.ParseDateRange(m[1], anchor); ok {
			return &t
		}
	}
	return nil
}

type statusRule struct {
	status  models.OrderStatus
	subject *regexp.Regexp
	body    *regexp.Regexp
}

// Precedence is top to bottom. Subject lines are more reliable than bodies,
// which often mention later stages ("wordt morgen bezorgd").
var statusRules = []statusRule{
	{
		status:  models.StatusCancelled,
		subject: regexp.MustCompile(`(?i)geannuleerd|annulering|cancel+ed|cancellation`),
		body:    regexp.MustCompile(`(?i)\b(?:is\s+geannuleerd|has\s+been\s+cancel+ed|was\s+cancel+ed)\b`),
	},
	{
		status:  models.StatusDelivered,
		subject: regexp.MustCompile(`(?i)\b(?:is\s+)?(?:bezorgd|afgeleverd|geleverd|delivered)\b`),
		body:    regexp.MustCompile(`(?i)\b(?:is\s+bezorgd|is\s+afgeleverd|has\s+been\s+delivered|was\s+delivered)\b`),
	},
	{
		status:  models.StatusShipped,
		subject: regexp.MustCompile(`(?i)verzonden|onderweg|verstuurd|shipped|dispatched|on\s+(?:its|the)\s+way|\btrack`),
		body:    regexp.MustCompile(`(?i)\b(?:is\s+verzonden|is\s+onderweg|is\s+verstuurd|has\s+shipped|has\s+been\s+shipped|has\s+been\s+dispatched)\b`),
	},
	{
		status:  models.StatusConfirmed,
		subject: regexp.MustCompile(`(?i)bevestiging|bestelling\s+is\s+gelukt|bedankt\s+voor\s+(?:je|uw)\s+bestelling|order\s+confirm|thank\s+you\s+for\s+your\s+order|we'?ve\s+received\s+your\s+order|bestellung`),
		body:    regexp.MustCompile(`(?i)bestelling\s+is\s+gelukt|bedankt\s+voor\s+(?:je|uw)\s+bestelling|orderbevestiging|thank\s+you\s+for\s+your\s+order|order\s+confirmation`),
	},
}

// DetectStatus classifies an email's order status from its subject first
// and its body second. Emails matching nothing are pending.
func DetectStatus(subject, body string) models.OrderStatus {
	for _, r := range statusRules {
		if r.subject.MatchString(subject) {
			return r.status
		}
	}
	for _, r := range statusRules {
		if r.body.MatchString(body) {
			return r.status
		}
	}
	return models.StatusPending
}

type carrierPattern struct {
	carrier string
	re      *regexp.Regexp
}

var (
	carrierPatterns = []carrierPattern{
		{"PostNL", regexp.MustCompile(`\b(3S[A-Z0-9]{8,16})\b`)},
		{"UPS", regexp.MustCompile(`\b(1Z[A-Z0-9]{16})\b`)},
		{"DHL", regexp.MustCompile(`\b((?:JVGL|JJD)\d{10,20})\b`)},
		{"DHL", regexp.MustCompile(`(?i:\bdhl\b)\D{0,40}\b(\d{10})\b`)},
		{"DPD", regexp.MustCompile(`(?i:\bdpd\b)\D{0,40}\b(\d{14})\b`)},
		{"GLS", regexp.MustCompile(`(?i:\bgls\b)\D{0,40}\b(\d{11,12})\b`)},
	}

	trackingKeyword = regexp.MustCompile(`(?i:track\s*(?:&|en|and)\s*trace(?:\s*code|nummer)?|trackingnummer|tracking\s*(?:number|code|nr|id)|zendingnummer|volgnummer)\s*[:#]?\s*([A-Za-z0-9]{8,30})\b`)

	carrierNames = map[string]string{
		"postnl": "PostNL", "dhl": "DHL", "dpd": "DPD", "ups": "UPS", "gls": "GLS",
		"bpost": "bpost", "budbee": "Budbee", "trunkrs": "Trunkrs", "homerr": "Homerr",
	}
	carrierName = regexp.MustCompile(`(?i)\b(postnl|dhl|dpd|ups|gls|bpost|budbee|trunkrs|homerr)\b`)
)

// FindTracking returns a tracking number and the carrier it belongs to.
// The carrier is "" when it cannot be inferred.
func FindTracking(text string) (string, string) {
	for _, cp := range carrierPatterns {
		if m := cp.re.FindStringSubmatch(text); m != nil {
			return m[1], cp.carrier
		}
	}
	for _, m := range trackingKeyword.FindAllStringSubmatch(text, -1) {
		if hasDigit(m[1]) {
			return strings.ToUpper(m[1]), DetectCarrier(text)
		}
	}
	return "", ""
}

// DetectCarrier returns the first carrier named in text.
func DetectCarrier(text string) string {
	if m := carrierName.FindStringSubmatch(text); m != nil {
		return carrierNames[strings.ToLower(m[1])]
	}
	return ""
}
