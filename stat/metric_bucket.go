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

package stat

import (
	"fmt"

	"go.uber.org/atomic"
)

// MetricEvent identifies one of the counters kept per bucket.
type MetricEvent int

// Events recorded by MetricBucket.
const (
	// MetricEventPass counts admitted requests.
	MetricEventPass MetricEvent = iota
	// MetricEventBlock counts rejected requests.
	MetricEventBlock
	// MetricEventComplete counts admitted requests that exited.
	MetricEventComplete
	// MetricEventError counts admitted requests that exited with an error.
	MetricEventError
	// MetricEventRt sums response times in milliseconds.
	MetricEventRt
	// MetricEventOccupied counts passes granted ahead of time to waiting
	// requests.
	MetricEventOccupied

	metricEventCount
)

func (e MetricEvent) String() string {
	switch e {
	case MetricEventPass:
		return "pass"
	case MetricEventBlock:
		return "block"
	case MetricEventComplete:
		return "complete"
	case MetricEventError:
		return "error"
	case MetricEventRt:
		return "rt"
	case MetricEventOccupied:
		return "occupied"
	}
	return fmt.Sprintf("MetricEvent(%d)", int(e))
}

// DefaultMaxRt caps the response time recorded for a single request.
const DefaultMaxRt = 5000

// MetricBucket holds the counters of one time window.
type MetricBucket struct {
	counters [metricEventCount]atomic.Int64
	minRt    atomic.Int64
}

// NewMetricBucket returns an empty bucket.
func NewMetricBucket() *MetricBucket {
	mb := &MetricBucket{}
	mb.minRt.Store(DefaultMaxRt)
	return mb
}

// Add adds n to the counter of event. Response times should go through AddRt
// so the minimum is tracked.
func (mb *MetricBucket) Add(event MetricEvent, n int64) {
	if event < 0 || event >= metricEventCount {
		return
	}
	if event == MetricEventRt {
		mb.AddRt(n)
		return
	}
	mb.counters[event].Add(n)
}

// Get returns the counter of event.
func (mb *MetricBucket) Get(event MetricEvent) int64 {
	if event < 0 || event >= metricEventCount {
		return 0
	}
	return mb.counters[event].Load()
}

// AddRt records one response time, clamped to DefaultMaxRt.
func (mb *MetricBucket) AddRt(rt int64) {
	if rt > DefaultMaxRt {
		rt = DefaultMaxRt
	}
	mb.counters[MetricEventRt].Add(rt)
	for {
		cur := mb.minRt.Load()
		if rt >= cur || mb.minRt.CompareAndSwap(cur, rt) {
			return
		}
	}
}

// MinRt returns the smallest response time recorded in the bucket, or
// DefaultMaxRt if none was.
func (mb *MetricBucket) MinRt() int64 {
	return mb.minRt.Load()
}
