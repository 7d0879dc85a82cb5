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

package models

import "time"

// JobStatus is the state of an EmailScanJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether a job may move from s to next.
// pending -> running|cancelled|failed, running -> completed|failed|cancelled.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled || next == JobFailed
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	}
	return false
}

// ScanType selects whether previously processed messages are re-listed.
type ScanType string

const (
	ScanFull        ScanType = "full"
	ScanIncremental ScanType = "incremental"
)

// Valid reports whether t is a known scan type.
func (t ScanType) Valid() bool {
	return t == ScanFull || t == ScanIncremental
}

// EmailScanJob tracks one scan of one account.
type EmailScanJob struct {
	ID              string     `json:"id"`
	EmailAccountID  string     `json:"email_account_id"`
	Status          JobStatus  `json:"status"`
	ScanType        ScanType   `json:"scan_type"`
	DateFrom        *time.Time `json:"date_from,omitempty"`
	DateTo          *time.Time `json:"date_to,omitempty"`
	Query           string     `json:"query,omitempty"`
	MaxResults      int        `json:"max_results,omitempty"`
	EmailsFound     int        `json:"emails_found"`
	EmailsProcessed int        `json:"emails_processed"`
	OrdersCreated   int        `json:"orders_created"`
	ErrorsCount     int        `json:"errors_count"`
	LastError       string     `json:"last_error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
}

// JobProgress is a delta applied to a running job's counters.
type JobProgress struct {
	EmailsFound     int
	EmailsProcessed int
	OrdersCreated   int
	ErrorsCount     int
	LastError       string
}
