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
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/orderscan/ingestion/internal/locale"
	"github.com/orderscan/ingestion/internal/models"
)

// ItemExtractor pulls line items out of an email. Extraction is best-effort:
// returning nothing is never an error.
type ItemExtractor func(email *models.ExtractedContent) []models.OrderItem

const maxItems = 50

var (
	quantityCell = regexp.MustCompile(`(?i)^(?:(\d{1,3})\s*(?:x|×|st\.?|stuks?|pcs)|(?:aantal|qty|quantity|anzahl)\s*:?\s*(\d{1,3})|(\d{1,3}))$`)
	priceCell    = regexp.MustCompile(`(?i)^(?:€|eur)\s*\d[\d.,]*(?:,-)?$|^\d[\d.]*,\d{2}\s*(?:€|eur)?$`)
	textItem     = regexp.MustCompile(`(?i)\b(\d{1,3})\s*x\s+(.{2,80}?)\s+(?:€|eur)\s*(\d[\d.,]*\d)`)
	summaryRow   = regexp.MustCompile(`(?i)totaal|subtota|total|verzend|shipping|korting|discount|btw|vat`)
)

// TableItems is the default extractor: HTML table rows first, then the
// "2 x Name € 9,99" text form.
func TableItems(email *models.ExtractedContent) []models.OrderItem {
	if items := ItemsFromHTML(email.HTMLBody); len(items) > 0 {
		return items
	}
	return ItemsFromText(email.Body)
}

// ItemsFromHTML scans innermost table rows for a quantity cell, a price cell
// and a descriptive cell.
func ItemsFromHTML(body string) []models.OrderItem {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}

	var items []models.OrderItem
	seen := make(map[string]bool)
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if len(items) >= maxItems || row.Find("tr").Length() > 0 {
			return
		}
		cells := row.ChildrenFiltered("td, th")
		if cells.Length() < 2 {
			return
		}

		var (
			qty   int
			price *decimal.Decimal
			name  string
		)
		cells.Each(func(_ int, cell *goquery.Selection) {
			text := strings.Join(strings.Fields(cell.Text()), " ")
			switch {
			case text == "":
			case qty == 0 && quantityCell.MatchString(text):
				qty = firstInt(quantityCell.FindStringSubmatch(text)[1:])
			case price == nil && priceCell.MatchString(text):
				if p := locale.ParseAmount(text); p.IsPositive() {
					price = &p
				}
			case hasLetter(text) && !priceCell.MatchString(text) && len(text) > len(name):
				name = text
			}
		})

		if qty < 1 || price == nil || name == "" || summaryRow.MatchString(name) || seen[name] {
			return
		}
		seen[name] = true
		items = append(items, models.OrderItem{Name: name, Quantity: qty, Price: price})
	})
	return items
}

// ItemsFromText matches "2 x Philips Hue € 59,99" in cleaned body text.
func ItemsFromText(text string) []models.OrderItem {
	var items []models.OrderItem
	for _, m := range textItem.FindAllStringSubmatch(text, maxItems) {
		qty, _ := strconv.Atoi(m[1])
		if qty < 1 {
			qty = 1
		}
		item := models.OrderItem{Name: strings.TrimSpace(m[2]), Quantity: qty}
		if p := locale.ParseAmount(m[3]); p.IsPositive() {
			item.Price = &p
		}
		items = append(items, item)
	}
	return items
}

func firstInt(groups []string) int {
	for _, g := range groups {
		if n, err := strconv.Atoi(g); err == nil {
			return n
		}
	}
	return 0
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
