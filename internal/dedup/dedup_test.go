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

package dedup

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderKey(t *testing.T) {
	assert.Equal(t, OrderKey("u1", " 123 ", "bol.com", "m1"), OrderKey("u1", "123", "Bol", "m2"))
	assert.NotEqual(t, OrderKey("u1", "123", "bol.com", "m1"), OrderKey("u2", "123", "bol.com", "m1"))
	assert.NotEqual(t, OrderKey("u1", "", "bol.com", "m1"), OrderKey("u1", "", "bol.com", "m2"))
}

// exercise runs n goroutines that each increment a shared counter under the
// same key and checks no two were inside at once.
func exercise(t *testing.T, l Locker, n int) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "u1|42|coolblue")
			if !assert.NoError(t, err) {
				return
			}
			cur := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxInside)
				if cur <= old || atomic.CompareAndSwapInt32(&maxInside, old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	exercise(t, NewLocalLocker(8), 20)
}

func TestLocalLocker_Timeout(t *testing.T) {
	l := NewLocalLocker(1)
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "b")
	require.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	unlock() // idempotent
	unlock2, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	exercise(t, NewRedisLocker(rdb), 5)

	l := NewRedisLocker(rdb)
	unlock, err := l.Lock(context.Background(), "held")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "held")
	require.ErrorIs(t, err, ErrLockTimeout)
	unlock()
}
