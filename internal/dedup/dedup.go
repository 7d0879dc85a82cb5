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

// Package dedup serialises order reconciliation per order key so that two
// scans of the same account cannot both create the same order. The Redis
// locker works across processes; the local one within a single process.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/orderscan/ingestion/internal/fuzzy"
)

const (
	// DefaultTTL bounds how long a crashed holder can block a key.
	DefaultTTL = 30 * time.Second

	// keyPrefix namespaces lock keys in Redis.
	keyPrefix = "orderscan:lock:"

	retryInterval = 25 * time.Millisecond
)

// ErrLockTimeout is returned when a key stays locked past the context
// deadline.
var ErrLockTimeout = errors.New("lock wait timed out")

// Locker acquires a named lock. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// OrderKey is the reconciliation lock key for an order. Order numbers and
// retailer names are normalised so "bol.com" and "Bol" collide. An empty
// order number falls back to the message so unnumbered orders do not
// serialise an entire account.
func OrderKey(userID, orderNumber, retailer, messageID string) string {
	num := strings.ToUpper(strings.TrimSpace(orderNumber))
	if num == "" {
		num = "msg:" + messageID
	}
	return userID + "|" + num + "|" + fuzzy.NormalizeRetailer(retailer)
}

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisLocker creates a locker backed by Redis.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: DefaultTTL}
}

// release deletes the key only if it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock polls SET NX until the key is free or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	for {
		// SET NX = set only if key does not exist. Returns true if the key was set.
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, fmt.Errorf("lock SETNX: %w", err)
		}
		if ok {
			return func() {
				// Released on a fresh context: the caller's may already be done.
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = release.Run(rctx, l.rdb, []string{redisKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(retryInterval):
		}
	}
}

// LocalLocker implements Locker with a fixed set of striped mutexes.
// Distinct keys may share a stripe, which only costs concurrency.
type LocalLocker struct {
	stripes []chan struct{}
}

// NewLocalLocker creates a locker with n stripes.
func NewLocalLocker(n int) *LocalLocker {
	if n < 1 {
		n = 64
	}
	l := &LocalLocker{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until the key's stripe is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := l.stripes[h.Sum32()%uint32(len(l.stripes))]

	select {
	case stripe <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	var once sync.Once
	return func() { once.Do(func() { <-stripe }) }, nil
}
