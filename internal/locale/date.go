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

package locale

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var months = map[string]time.Month{
	"januari": time.January, "january": time.January, "jan": time.January,
	"februari": time.February, "february": time.February, "feb": time.February,
	"maart": time.March, "march": time.March, "mrt": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"mei": time.May, "may": time.May,
	"juni": time.June, "june": time.June, "jun": time.June,
	"juli": time.July, "july": time.July, "jul": time.July,
	"augustus": time.August, "august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"oktober": time.October, "october": time.October, "okt": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var weekdays = map[string]time.Weekday{
	"maandag": time.Monday, "monday": time.Monday,
	"dinsdag": time.Tuesday, "tuesday": time.Tuesday,
	"woensdag": time.Wednesday, "wednesday": time.Wednesday,
	"donderdag": time.Thursday, "thursday": time.Thursday,
	"vrijdag": time.Friday, "friday": time.Friday,
	"zaterdag": time.Saturday, "saturday": time.Saturday,
	"zondag": time.Sunday, "sunday": time.Sunday,
}

var (
	isoDate     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDate = regexp.MustCompile(`\b(\d{1,2})[-/.](\d{1,2})[-/.](\d{4}|\d{2})\b`)
	dayMonth    = regexp.MustCompile(`\b(\d{1,2})(?:e|ste|de|st|nd|rd|th)?\s+([a-z]+)\.?(?:,?\s+(\d{4}))?\b`)
	monthDay    = regexp.MustCompile(`\b([a-z]+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
	relative    = regexp.MustCompile(`\b(overmorgen|vandaag|morgen|today|tomorrow)\b`)
	weekdayWord = regexp.MustCompile(`\b([a-z]+dag|[a-z]+day)\b`)
	dayRange    = regexp.MustCompile(`\b(\d{1,2})\s*(?:-|–|tot|en|and|to)\s*(\d{1,2})\s+([a-z]+)\b`)
)

// ParseDate interprets a Dutch or English date expression relative to
// anchor, usually the email's received date. The result is midnight in the
// anchor's location.
func ParseDate(raw string, anchor time.Time) (time.Time, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return time.Time{}, false
	}
	loc := anchor.Location()

	if m := isoDate.FindStringSubmatch(s); m != nil {
		return build(atoi(m[1]), atoi(m[2]), atoi(m[3]), loc)
	}
	if m := numericDate.FindStringSubmatch(s); m != nil {
		year := atoi(m[3])
		if year < 100 {
			year += 2000
		}
		return build(year, atoi(m[2]), atoi(m[1]), loc)
	}
	for _, m := range dayMonth.FindAllStringSubmatch(s, -1) {
		month, ok := months[m[2]]
		if !ok {
			continue
		}
		return withYear(atoi(m[1]), month, m[3], anchor)
	}
	for _, m := range monthDay.FindAllStringSubmatch(s, -1) {
		month, ok := months[m[1]]
		if !ok {
			continue
		}
		return withYear(atoi(m[2]), month, m[3], anchor)
	}

	day := midnight(anchor)
	if m := relative.FindStringSubmatch(s); m != nil {
		switch m[1] {
		case "vandaag", "today":
			return day, true
		case "morgen", "tomorrow":
			return day.AddDate(0, 0, 1), true
		case "overmorgen":
			return day.AddDate(0, 0, 2), true
		}
	}
	for _, m := range weekdayWord.FindAllStringSubmatch(s, -1) {
		wd, ok := weekdays[m[1]]
		if !ok {
			continue
		}
		ahead := (int(wd) - int(day.Weekday()) + 7) % 7
		return day.AddDate(0, 0, ahead), true
	}
	return time.Time{}, false
}

// ParseDateRange handles delivery windows such as "tussen 15 en 17 juli" and
// "15-17 juli", returning the later bound. Anything else falls through to
// ParseDate.
func ParseDateRange(raw string, anchor time.Time) (time.Time, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, m := range dayRange.FindAllStringSubmatch(s, -1) {
		month, ok := months[m[3]]
		if !ok {
			continue
		}
		return withYear(atoi(m[2]), month, "", anchor)
	}
	return ParseDate(s, anchor)
}

func withYear(day int, month time.Month, year string, anchor time.Time) (time.Time, bool) {
	if year != "" {
		return build(atoi(year), int(month), day, anchor.Location())
	}
	t, ok := build(anchor.Year(), int(month), day, anchor.Location())
	if !ok {
		return t, false
	}
	if t.Before(midnight(anchor).AddDate(0, 0, -30)) {
		t = t.AddDate(1, 0, 0)
	}
	return t, true
}

func build(year, month, day int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1970 || year > 2200 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	// time.Date normalises 31 februari into March; reject that.
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
