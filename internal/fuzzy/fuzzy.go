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

// Package fuzzy scores string similarity with a normalised Levenshtein
// distance. It is used to reconcile retailer names that drift between emails.
package fuzzy

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// MaxLen caps the number of runes compared.
const MaxLen = 100

// Match is a scored candidate.
type Match struct {
	Candidate string
	Score     float64
}

// Similarity returns 1 - distance/longest over lower-cased, trimmed and
// length-capped inputs. Two empty strings are identical; one empty string
// scores 0 against anything else.
func Similarity(a, b string) float64 {
	a, b = prepare(a), prepare(b)
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// FindSimilar returns the candidates scoring at least threshold, best first.
// Equal scores are ordered by candidate so results are deterministic.
func FindSimilar(target string, candidates []string, threshold float64) []Match {
	var out []Match
	for _, c := range candidates {
		if s := Similarity(target, c); s >= threshold {
			out = append(out, Match{Candidate: c, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Candidate < out[j].Candidate
	})
	return out
}

// Best returns the highest scoring candidate at or above threshold.
func Best(target string, candidates []string, threshold float64) (Match, bool) {
	matches := FindSimilar(target, candidates, threshold)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

var (
	retailerSuffix = regexp.MustCompile(`(\.co\.uk|\.com|\.nl|\.de|\.be|\.fr)\b|\bb\.?v\.?$|\bnederland\b|\bnl\b`)
	nonAlnum       = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// NormalizeRetailer reduces a retailer name to a comparison key:
// "bol.com", "Bol" and "BOL.COM B.V." all become "bol".
func NormalizeRetailer(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = retailerSuffix.ReplaceAllString(s, "")
	return nonAlnum.ReplaceAllString(s, "")
}

// RetailerSimilarity compares two retailer names after normalisation.
func RetailerSimilarity(a, b string) float64 {
	return Similarity(NormalizeRetailer(a), NormalizeRetailer(b))
}

func prepare(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if utf8.RuneCountInString(s) <= MaxLen {
		return s
	}
	return string([]rune(s)[:MaxLen])
}
