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

// Package queue hands scan job IDs from the API to scan workers, through a
// Redis list or an in-process channel.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned by Dequeue once a memory queue is closed.
var ErrClosed = errors.New("queue closed")

// Queue carries scan job IDs.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until a job ID is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
}

// task is the JSON envelope pushed to Redis.
type task struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

const (
	taskName    = "scan.run"
	popTimeout  = 5 * time.Second
	pingTimeout = 2 * time.Second
)

// RedisQueue is a Redis list used as a FIFO: LPUSH to enqueue, BRPOP to
// dequeue.
type RedisQueue struct {
	rdb       redis.UniversalClient
	queueName string
}

// NewRedisQueue creates a queue on the named Redis list.
func NewRedisQueue(rdb redis.UniversalClient, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Enqueue pushes jobID onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	t := task{
		ID:         uuid.NewString(),
		Task:       taskName,
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal scan task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.queueName, string(body)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("enqueued scan job",
		"task_id", t.ID,
		"job_id", jobID,
		"queue", q.queueName,
	)
	return nil
}

// Dequeue waits for the next task. Undecodable entries are logged and
// dropped.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		res, err := q.rdb.BRPop(ctx, popTimeout, q.queueName).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("redis BRPOP: %w", err)
		}
		// res is [queue, value]
		var t task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil || t.JobID == "" {
			slog.Warn("dropping malformed scan task", "queue", q.queueName, "payload", res[1])
			continue
		}
		return t.JobID, nil
	}
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

// MemoryQueue is an in-process queue for single-binary deployments and the
// CLI.
type MemoryQueue struct {
	ch     chan string
	closed chan struct{}
}

// NewMemoryQueue creates a queue holding up to size pending jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size < 1 {
		size = 100
	}
	return &MemoryQueue{ch: make(chan string, size), closed: make(chan struct{})}
}

// Enqueue adds jobID, blocking while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- jobID:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue returns the next job ID.
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the queue. Pending jobs are discarded.
func (q *MemoryQueue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}
