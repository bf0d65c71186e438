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

// Package quota implements the local token bucket family used for traffic
// shaping.
//
// Every bucket produces UnitTokens tokens every IntervalMs, capped at
// MaxTokens, on boundaries aligned to the bucket's start time. A request for
// n tokens succeeds if the bucket holds at least n after the pending
// production is applied. Requests for zero or fewer tokens always succeed;
// requests for more than MaxTokens can never succeed and fail fast.
//
// The arithmetic is shared by three concurrency strategies, registered by
// name like any other provider:
//
//   - "strict" guards refill and consumption with a mutex.
//   - "optimistic" uses compare-and-swap loops; only the caller that wins the
//     swap of the next production time produces tokens.
//   - "default" has no synchronization, for callers that already serialize
//     access.
package quota
