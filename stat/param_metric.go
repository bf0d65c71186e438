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

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sluice-dev/sluice/util/clock"
	"go.uber.org/atomic"
)

// DefaultParamCapacity bounds the number of distinct parameter values
// tracked per bucket.
const DefaultParamCapacity = 4000

// ParamBucket counts passes per parameter value within one time window. The
// least recently used values are evicted once capacity is reached.
type ParamBucket struct {
	counters *lru.Cache[string, *atomic.Int64]
}

func newParamBucket(capacity int) (*ParamBucket, error) {
	c, err := lru.New[string, *atomic.Int64](capacity)
	if err != nil {
		return nil, err
	}
	return &ParamBucket{counters: c}, nil
}

// Add adds n to the counter of value.
func (b *ParamBucket) Add(value string, n int64) {
	c := atomic.NewInt64(0)
	if prev, ok, _ := b.counters.PeekOrAdd(value, c); ok {
		c = prev
	}
	c.Add(n)
}

// Get returns the counter of value, or 0 if it is not tracked.
func (b *ParamBucket) Get(value string) int64 {
	if c, ok := b.counters.Peek(value); ok {
		return c.Load()
	}
	return 0
}

// Len returns the number of tracked values.
func (b *ParamBucket) Len() int {
	return b.counters.Len()
}

// ParamMetric is a sliding-window pass counter keyed by parameter value.
type ParamMetric struct {
	data *LeapArray[ParamBucket]
	ts   clock.TimeSource
}

// NewParamMetric creates a parameter metric of sampleCount buckets spanning
// intervalMs, each tracking at most capacity values.
func NewParamMetric(sampleCount int, intervalMs int64, capacity int, ts clock.TimeSource) (*ParamMetric, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("stat: parameter capacity must be positive, got %d", capacity)
	}
	gen := func() *ParamBucket {
		// capacity is positive, so lru.New cannot fail.
		b, _ := newParamBucket(capacity)
		return b
	}
	data, err := NewLeapArray(sampleCount, intervalMs, gen)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		ts = clock.System
	}
	return &ParamMetric{data: data, ts: ts}, nil
}

// AddPass records n passes for value at the current time.
func (m *ParamMetric) AddPass(value string, n int64) {
	m.AddPassAt(clock.Millis(m.ts), value, n)
}

// AddPassAt records n passes for value at now.
func (m *ParamMetric) AddPassAt(now int64, value string, n int64) {
	bw, err := m.data.CurrentWindow(now)
	if err != nil {
		return
	}
	bw.Value().Add(value, n)
}

// RevertPass takes back n passes recorded by AddPassAt(now). It does nothing
// once the window of now has been recycled.
func (m *ParamMetric) RevertPass(now int64, value string, n int64) {
	if bw := m.data.Window(now); bw != nil {
		bw.Value().Add(value, -n)
	}
}

// Pass returns the passes recorded for value over the interval.
func (m *ParamMetric) Pass(value string) int64 {
	var sum int64
	for _, bw := range m.data.Values(clock.Millis(m.ts)) {
		sum += bw.Value().Get(value)
	}
	return sum
}

// QPS returns the pass rate of value over the interval.
func (m *ParamMetric) QPS(value string) float64 {
	return float64(m.Pass(value)) * 1000.0 / float64(m.data.IntervalMs())
}
