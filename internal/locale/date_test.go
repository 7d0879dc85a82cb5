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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	// Wednesday 10 July 2024, mid-afternoon.
	anchor := time.Date(2024, time.July, 10, 15, 4, 0, 0, time.UTC)
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		raw  string
		want time.Time
	}{
		{"15-07-2024", day(2024, time.July, 15)},
		{"15/07/2024", day(2024, time.July, 15)},
		{"2024-07-15", day(2024, time.July, 15)},
		{"15 juli 2024", day(2024, time.July, 15)},
		{"15 jul", day(2024, time.July, 15)},
		{"maandag 15 juli", day(2024, time.July, 15)},
		{"Bezorging: donderdag 1 augustus tussen 9:00 en 13:00", day(2024, time.August, 1)},
		{"July 15, 2024", day(2024, time.July, 15)},
		{"15 July 2024", day(2024, time.July, 15)},
		{"Monday, July 15", day(2024, time.July, 15)},
		{"vandaag", day(2024, time.July, 10)},
		{"morgen", day(2024, time.July, 11)},
		{"overmorgen", day(2024, time.July, 12)},
		{"Tomorrow", day(2024, time.July, 11)},
		{"dinsdag", day(2024, time.July, 16)},
		{"woensdag", day(2024, time.July, 10)},
		{"2 januari", day(2025, time.January, 2)},
		{"1 juli", day(2024, time.July, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseDate(tt.raw, anchor)
			require.True(t, ok)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestParseDateRejects(t *testing.T) {
	anchor := time.Date(2024, time.July, 10, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"", "binnenkort", "31 februari 2024", "order 12 items", "99-99-2024"} {
		_, ok := ParseDate(raw, anchor)
		assert.False(t, ok, raw)
	}
}

func TestParseDateRange(t *testing.T) {
	anchor := time.Date(2024, time.July, 10, 0, 0, 0, 0, time.UTC)
	want := time.Date(2024, time.July, 17, 0, 0, 0, 0, time.UTC)

	for _, raw := range []string{"tussen 15 en 17 juli", "15-17 juli", "17 juli"} {
		got, ok := ParseDateRange(raw, anchor)
		require.True(t, ok, raw)
		assert.True(t, got.Equal(want), "%s: got %s", raw, got)
	}
}
