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

// Package locale parses and formats the Dutch and English money amounts and
// dates found in order emails.
package locale

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var (
	currencyMarkers = regexp.MustCompile(`(?i)(eur|usd|gbp|€|\$|£)`)

	// A trailing comma group of one or two digits means the comma is the
	// decimal separator ("49,98", "1.234,5").
	dutchDecimal = regexp.MustCompile(`,\d{1,2}$`)

	// "12,-" and "12,—" are whole euros.
	wholeEuro = regexp.MustCompile(`[.,][-–—]+$`)

	plainNumber = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// ParseAmount converts a locale-formatted amount into a decimal. Empty,
// unparseable and negative input yields zero, which callers treat as
// "no amount".
func ParseAmount(raw string) decimal.Decimal {
	s := currencyMarkers.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, s)
	if s == "" || strings.HasPrefix(s, "-") {
		return decimal.Zero
	}

	s = wholeEuro.ReplaceAllString(s, "")
	s = strings.TrimFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if s == "" {
		return decimal.Zero
	}

	if dutchDecimal.MatchString(s) {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	if !plainNumber.MatchString(s) {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var (
	dutchPrinter   = message.NewPrinter(language.Dutch)
	englishPrinter = message.NewPrinter(language.English)
)

// FormatDutch renders d as "1.234,56".
func FormatDutch(d decimal.Decimal) string {
	return format(dutchPrinter, d)
}

// FormatEnglish renders d as "1,234.56".
func FormatEnglish(d decimal.Decimal) string {
	return format(englishPrinter, d)
}

func format(p *message.Printer, d decimal.Decimal) string {
	return p.Sprint(number.Decimal(d.Round(2).InexactFloat64(), number.Scale(2)))
}
