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

	"github.com/PuerkitoBio/goquery"

	"github.com/orderscan/ingestion/internal/locale"
	"github.com/orderscan/ingestion/internal/models"
)

var (
	amazonOrderNumber = regexp.MustCompile(`\b(\d{3}-\d{7}-\d{7})\b`)
	amazonQuantity    = regexp.MustCompile(`(?i)\b(?:aantal|qty|quantity|menge|quantité)\s*:\s*(\d{1,3})`)
	amazonPrice       = regexp.MustCompile(`(?i)(?:€|eur)\s*(\d[\d.,]*\d)`)
)

// AmazonItems reads Amazon's "Aantal: 1 / EUR 23,99" layout, where each item
// sits in a cell holding a product link followed by quantity and price.
func AmazonItems(email *models.ExtractedContent) []models.OrderItem {
	if email.HTMLBody == "" {
		return ItemsFromText(email.Body)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(email.HTMLBody))
	if err != nil {
		return ItemsFromText(email.Body)
	}
	doc.Find("br").ReplaceWithHtml(" ")

	var items []models.OrderItem
	doc.Find("td").Each(func(_ int, cell *goquery.Selection) {
		if len(items) >= maxItems || cell.Find("td").Length() > 0 {
			return
		}
		text := strings.Join(strings.Fields(cell.Text()), " ")
		loc := amazonQuantity.FindStringSubmatchIndex(text)
		if loc == nil {
			return
		}
		qty, _ := strconv.Atoi(text[loc[2]:loc[3]])
		if qty < 1 {
			qty = 1
		}

		name := strings.Join(strings.Fields(cell.Find("a").First().Text()), " ")
		if name == "" {
			name = strings.TrimSpace(text[:loc[0]])
		}
		if name == "" {
			return
		}

		item := models.OrderItem{Name: name, Quantity: qty}
		rest := text[loc[1]:]
		if rest == "" {
			rest = strings.Join(strings.Fields(cell.Parent().Text()), " ")
		}
		if m := amazonPrice.FindStringSubmatch(rest); m != nil {
			if p := locale.ParseAmount(m[1]); p.IsPositive() {
				item.Price = &p
			}
		}
		items = append(items, item)
	})
	if len(items) == 0 {
		return ItemsFromText(email.Body)
	}
	return items
}
