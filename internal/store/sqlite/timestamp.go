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

package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// layout is fixed width so lexical order equals chronological order.
const layout = "2006-01-02 15:04:05.000000000"

// at formats t for storage.
func at(t time.Time) string {
	return t.UTC().Format(layout)
}

// atPtr formats t, or returns NULL for nil.
func atPtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: at(*t), Valid: true}
}

// timestamp scans a nullable stored time.
type timestamp struct {
	time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (ts *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*ts = timestamp{}
		return nil
	case time.Time:
		*ts = timestamp{Time: v.UTC(), Valid: true}
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (ts *timestamp) parse(s string) error {
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	*ts = timestamp{Time: t.UTC(), Valid: true}
	return nil
}

func (ts timestamp) ptr() *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
