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

// Package stat implements sliding-window statistics: a circular array of
// time buckets (LeapArray), the counters kept in each bucket, and the
// WindowMetric view that aggregates them into pass/block/rt/QPS values.
//
// Write paths lazily create or recycle the bucket covering the current
// timestamp. Read paths never create buckets, and skip buckets whose start is
// not within the last interval.
package stat
