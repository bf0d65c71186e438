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

package redistb

import "github.com/go-redis/redis"

// updateTokenBucketScript refills and debits a bucket atomically.
//
// KEYS: tokens, refreshed (seconds), refreshed_us (microseconds).
// ARGV: replenish rate per second, capacity, requested tokens, now seconds,
// now microseconds, and 1 to use the given time instead of the server's.
//
// Returns {allowed, remaining, now, now_us}.
var updateTokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])

local now, now_us
if ARGV[6] == "1" then
  now = tonumber(ARGV[4])
  now_us = tonumber(ARGV[5])
else
  redis.replicate_commands()
  local t = redis.call("TIME")
  now = tonumber(t[1])
  now_us = tonumber(t[2])
end
if now_us >= 1000000 then
  return redis.error_reply("now_us must be smaller than 10^6")
end

-- Keep keys around for twice the time needed to fill the bucket.
local ttl = math.max(1, math.ceil(capacity / rate * 2))

local tokens = tonumber(redis.call("GET", KEYS[1]))
if tokens == nil then
  tokens = capacity
end
local last = tonumber(redis.call("GET", KEYS[2]))
local last_us = tonumber(redis.call("GET", KEYS[3]))
if last == nil or last_us == nil then
  last = now
  last_us = now_us
end

local elapsed = math.max(0, (now - last) + (now_us - last_us) / 1000000)
local filled = math.min(capacity, tokens + elapsed * rate)

local allowed = filled >= requested
if allowed then
  filled = filled - requested
end

redis.call("SETEX", KEYS[1], ttl, filled)
redis.call("SETEX", KEYS[2], ttl, now)
redis.call("SETEX", KEYS[3], ttl, now_us)

return { allowed, math.floor(filled), now, now_us }
`)
