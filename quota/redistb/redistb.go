// Copyright 2024 Google LLC. All Rights Reserved.
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

// Package redistb implements a token bucket stored in Redis, so that several
// processes can share one quota without a token server.
package redistb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/sluice-dev/sluice/util/clock"
)

// RedisClient is an interface that encompasses the various methods used by
// TokenBucket, and allows selecting among different Redis client
// implementations (e.g. regular Redis, Redis Cluster, sharded, etc.)
type RedisClient interface {
	// Required to load and execute scripts
	Eval(script string, keys []string, args ...interface{}) *redis.Cmd
	EvalSha(sha1 string, keys []string, args ...interface{}) *redis.Cmd
	ScriptExists(hashes ...string) *redis.BoolSliceCmd
	ScriptLoad(script string) *redis.StringCmd
}

// TokenBucket implements a token-bucket limiter stored in a Redis database.
// Each bucket is identified by a key prefix and refills continuously at its
// replenish rate. Updates are atomic under concurrent access.
type TokenBucket struct {
	c RedisClient

	// When set, the script uses timeSource instead of the Redis server time.
	injectTime bool
	timeSource clock.TimeSource
}

// New returns a new TokenBucket that uses the provided Redis client.
func New(client RedisClient) *TokenBucket {
	return &TokenBucket{c: client, timeSource: clock.System}
}

// NewWithTimeSource returns a TokenBucket whose notion of time comes from ts
// rather than the Redis server. Intended for tests.
func NewWithTimeSource(client RedisClient, ts clock.TimeSource) *TokenBucket {
	return &TokenBucket{c: client, injectTime: true, timeSource: ts}
}

// Load preloads the Lua script into the Redis database. Calling this function
// is optional, but reduces traffic since later calls only pass the script
// hash.
func (tb *TokenBucket) Load(ctx context.Context) error {
	client := withClientContext(ctx, tb.c)
	return updateTokenBucketScript.Load(client).Err()
}

// Reset deletes the bucket for the given prefix; it is full on next use.
func (tb *TokenBucket) Reset(ctx context.Context, prefix string) error {
	client := withClientContext(ctx, tb.c)
	// Use EVAL so that deleting all keys is atomic.
	return client.Eval(
		`redis.call("del", KEYS[1]); redis.call("del", KEYS[2]); redis.call("del", KEYS[3])`,
		tokenBucketKeys(prefix),
	).Err()
}

// Call refills the bucket of prefix, which holds at most capacity tokens and
// gains replenishRate tokens per second, then tries to remove numTokens from
// it. It returns whether the tokens were removed and the tokens remaining.
func (tb *TokenBucket) Call(ctx context.Context, prefix string, capacity int64, replenishRate float64, numTokens int64) (bool, int64, error) {
	if capacity <= 0 || replenishRate <= 0 {
		return false, 0, fmt.Errorf("redistb: invalid bucket capacity=%d rate=%v", capacity, replenishRate)
	}
	client := withClientContext(ctx, tb.c)

	var now, nowUs, inject int64
	if tb.injectTime {
		now, nowUs = timeToRedisPair(tb.timeSource.Now())
		inject = 1
	}
	args := []interface{}{replenishRate, capacity, numTokens, now, nowUs, inject}

	result, err := updateTokenBucketScript.Run(client, tokenBucketKeys(prefix), args...).Result()
	if err != nil {
		return false, 0, err
	}
	return parseResult(result)
}

// parseResult decodes the script's reply {allowed, remaining, now, now_us}.
// Lua true arrives as 1 and false as nil.
func parseResult(result interface{}) (bool, int64, error) {
	vals, ok := result.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("redistb: invalid reply %T %v", result, result)
	}
	var allowed bool
	switch v := vals[0].(type) {
	case nil:
	case int64:
		allowed = v == 1
	default:
		return false, 0, fmt.Errorf("redistb: invalid 'allowed' type %T", vals[0])
	}
	remaining, ok := vals[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("redistb: invalid 'remaining' type %T", vals[1])
	}
	return allowed, remaining, nil
}

// tokenBucketKeys returns the keys used by the script for prefix. The "{}"
// hash tag makes Redis Cluster place all three in the same slot, which
// EVAL requires.
func tokenBucketKeys(prefix string) []string {
	return []string{
		fmt.Sprintf("{%s}.tokens", prefix),
		fmt.Sprintf("{%s}.refreshed", prefix),
		fmt.Sprintf("{%s}.refreshed_us", prefix),
	}
}

// timeToRedisPair splits t into seconds since the epoch and the remaining
// microseconds.
func timeToRedisPair(t time.Time) (int64, int64) {
	return t.Unix(), int64(t.Nanosecond()) / int64(time.Microsecond)
}

// Each Redis client type has a WithContext method returning its concrete
// type, so it cannot be part of RedisClient. This type-switches to call the
// right one.
func withClientContext(ctx context.Context, client RedisClient) RedisClient {
	type withContextable interface {
		WithContext(context.Context) RedisClient
	}

	switch c := client.(type) {
	case *redis.Client:
		return c.WithContext(ctx)
	case *redis.ClusterClient:
		return c.WithContext(ctx)
	case *redis.Ring:
		return c.WithContext(ctx)
	case withContextable:
		return c.WithContext(ctx)
	}
	return client
}
