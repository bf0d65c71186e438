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
	"math"
	"sort"
	"sync"

	"github.com/sluice-dev/sluice/util/clock"
)

// WindowMetric aggregates a LeapArray of MetricBuckets. Write methods record
// into the bucket covering the current time; read methods sum the live
// buckets.
//
// Passes granted ahead of time by Occupy are charged to the window the
// waiting request runs in. They count as passes of that window once it is
// live, and as Borrowed passes until then.
type WindowMetric struct {
	data *LeapArray[MetricBucket]
	ts   clock.TimeSource

	borrowMu sync.Mutex
	// borrowed maps a window start to the passes charged to it by Occupy.
	borrowed map[int64]int64
}

// NewWindowMetric creates a metric of sampleCount buckets spanning
// intervalMs, reading time from ts.
func NewWindowMetric(sampleCount int, intervalMs int64, ts clock.TimeSource) (*WindowMetric, error) {
	data, err := NewLeapArray(sampleCount, intervalMs, NewMetricBucket)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		ts = clock.System
	}
	return &WindowMetric{data: data, ts: ts, borrowed: make(map[int64]int64)}, nil
}

// Now returns the current time in milliseconds as seen by the metric.
func (m *WindowMetric) Now() int64 {
	return clock.Millis(m.ts)
}

// SampleCount returns the number of buckets.
func (m *WindowMetric) SampleCount() int { return m.data.SampleCount() }

// IntervalMs returns the span of the metric.
func (m *WindowMetric) IntervalMs() int64 { return m.data.IntervalMs() }

// WindowLengthMs returns the span of a single bucket.
func (m *WindowMetric) WindowLengthMs() int64 { return m.data.WindowLengthMs() }

func (m *WindowMetric) intervalSec() float64 {
	return float64(m.data.IntervalMs()) / 1000.0
}

// AddCount records n occurrences of event at the current time. Statistics
// errors are dropped; they must not affect traffic.
func (m *WindowMetric) AddCount(event MetricEvent, n int64) {
	m.AddCountAt(m.Now(), event, n)
}

// AddCountAt records n occurrences of event at now.
func (m *WindowMetric) AddCountAt(now int64, event MetricEvent, n int64) {
	bw, err := m.data.CurrentWindow(now)
	if err != nil {
		return
	}
	bw.Value().Add(event, n)
}

// Revert takes back n occurrences of event recorded by AddCountAt(now). It
// does nothing once the window of now has been recycled.
func (m *WindowMetric) Revert(now int64, event MetricEvent, n int64) {
	if bw := m.data.Window(now); bw != nil {
		bw.Value().Add(event, -n)
	}
}

// AddPass records n passed requests.
func (m *WindowMetric) AddPass(n int64) { m.AddCount(MetricEventPass, n) }

// AddBlock records n blocked requests.
func (m *WindowMetric) AddBlock(n int64) { m.AddCount(MetricEventBlock, n) }

// AddSuccess records n completed requests.
func (m *WindowMetric) AddSuccess(n int64) { m.AddCount(MetricEventComplete, n) }

// AddException records n requests that completed with an error.
func (m *WindowMetric) AddException(n int64) { m.AddCount(MetricEventError, n) }

// AddRt records a response time in milliseconds.
func (m *WindowMetric) AddRt(rt int64) { m.AddCount(MetricEventRt, rt) }

// AddOccupied records n passes granted to requests which wait for a later
// window. It does not charge those passes; see Occupy.
func (m *WindowMetric) AddOccupied(n int64) { m.AddCount(MetricEventOccupied, n) }

// borrowedIn returns the passes charged to windows starting in (from, to].
func (m *WindowMetric) borrowedIn(from, to int64) int64 {
	m.borrowMu.Lock()
	defer m.borrowMu.Unlock()
	return m.borrowedInLocked(from, to)
}

func (m *WindowMetric) borrowedInLocked(from, to int64) int64 {
	var sum int64
	for start, n := range m.borrowed {
		if start > from && start <= to {
			sum += n
		}
	}
	return sum
}

// count returns the count of event in the window starting at start, given
// its bucket (which may be nil).
func (m *WindowMetric) count(bw *BucketWrap[MetricBucket], start int64, event MetricEvent) int64 {
	var c int64
	if bw != nil {
		c = bw.Value().Get(event)
	}
	if event == MetricEventPass {
		c += m.borrowedIn(start-1, start)
	}
	return c
}

// Sum returns the total of event over the live buckets.
func (m *WindowMetric) Sum(event MetricEvent) int64 {
	return m.SumAt(m.Now(), event)
}

// SumAt returns the total of event over the buckets live at now.
func (m *WindowMetric) SumAt(now int64, event MetricEvent) int64 {
	var sum int64
	for _, bw := range m.data.Values(now) {
		sum += bw.Value().Get(event)
	}
	if event == MetricEventPass {
		sum += m.borrowedIn(now-m.IntervalMs(), now)
	}
	return sum
}

// Borrowed returns the passes charged by Occupy to windows which have not
// started at now.
func (m *WindowMetric) Borrowed(now int64) int64 {
	return m.borrowedIn(now, math.MaxInt64)
}

// Pass returns the number of passed requests in the interval.
func (m *WindowMetric) Pass() int64 { return m.Sum(MetricEventPass) }

// Block returns the number of blocked requests in the interval.
func (m *WindowMetric) Block() int64 { return m.Sum(MetricEventBlock) }

// Success returns the number of completed requests in the interval.
func (m *WindowMetric) Success() int64 { return m.Sum(MetricEventComplete) }

// Exception returns the number of errored requests in the interval.
func (m *WindowMetric) Exception() int64 { return m.Sum(MetricEventError) }

// Rt returns the total response time recorded in the interval.
func (m *WindowMetric) Rt() int64 { return m.Sum(MetricEventRt) }

// Occupied returns the number of passes granted ahead of time in the
// interval, counted in the window of the grant.
func (m *WindowMetric) Occupied() int64 { return m.Sum(MetricEventOccupied) }

// QPS returns the per-second rate of event over the interval.
func (m *WindowMetric) QPS(event MetricEvent) float64 {
	return float64(m.Sum(event)) / m.intervalSec()
}

// QPSAt is QPS evaluated at now.
func (m *WindowMetric) QPSAt(now int64, event MetricEvent) float64 {
	return float64(m.SumAt(now, event)) / m.intervalSec()
}

// AvgRt returns the mean response time of completed requests, or 0.
func (m *WindowMetric) AvgRt() float64 {
	now := m.Now()
	success := m.SumAt(now, MetricEventComplete)
	if success == 0 {
		return 0
	}
	return float64(m.SumAt(now, MetricEventRt)) / float64(success)
}

// MinRt returns the smallest response time in the interval, or DefaultMaxRt.
func (m *WindowMetric) MinRt() int64 {
	minRt := int64(DefaultMaxRt)
	for _, bw := range m.data.Values(m.Now()) {
		if rt := bw.Value().MinRt(); rt < minRt {
			minRt = rt
		}
	}
	return minRt
}

// PreviousWindow returns the count of event in the window preceding the
// current one.
func (m *WindowMetric) PreviousWindow(event MetricEvent) int64 {
	now := m.Now()
	prev := m.data.WindowStart(now) - m.WindowLengthMs()
	if prev < 0 {
		return 0
	}
	return m.count(m.data.PreviousWindow(now), prev, event)
}

// OldestWindow returns the start and the count of event of the oldest live
// bucket at now. ok is false when no bucket is live.
func (m *WindowMetric) OldestWindow(now int64, event MetricEvent) (start, count int64, ok bool) {
	var oldest *BucketWrap[MetricBucket]
	for _, bw := range m.data.Values(now) {
		if s := bw.Start(); oldest == nil || s < start {
			oldest, start = bw, s
		}
	}
	if oldest == nil {
		return 0, 0, false
	}
	return start, m.count(oldest, start, event), true
}

// WindowSnapshot is the content of one live bucket.
type WindowSnapshot struct {
	Start  int64
	Counts map[MetricEvent]int64
}

// Windows returns snapshots of the live windows, oldest first. Windows
// holding only borrowed passes are included.
func (m *WindowMetric) Windows() []WindowSnapshot {
	now := m.Now()
	byStart := make(map[int64]*BucketWrap[MetricBucket])
	for _, bw := range m.data.Values(now) {
		byStart[bw.Start()] = bw
	}
	m.borrowMu.Lock()
	for start := range m.borrowed {
		if m.data.isLive(now, start) {
			if _, ok := byStart[start]; !ok {
				byStart[start] = nil
			}
		}
	}
	m.borrowMu.Unlock()

	ret := make([]WindowSnapshot, 0, len(byStart))
	for start, bw := range byStart {
		s := WindowSnapshot{Start: start, Counts: make(map[MetricEvent]int64)}
		for e := MetricEvent(0); e < metricEventCount; e++ {
			if c := m.count(bw, start, e); c != 0 {
				s.Counts[e] = c
			}
		}
		ret = append(ret, s)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Start < ret[j].Start })
	return ret
}

// OccupyWait returns how long a request for n passes must wait before it
// can run in a window whose interval holds at most maxPass passes, counting
// the passes already charged to later windows. ok is false if the wait would
// reach timeoutMs.
func (m *WindowMetric) OccupyWait(now, n int64, maxPass float64, timeoutMs int64) (waitMs int64, ok bool) {
	m.borrowMu.Lock()
	defer m.borrowMu.Unlock()
	return m.occupyWaitLocked(now, n, maxPass, timeoutMs)
}

func (m *WindowMetric) occupyWaitLocked(now, n int64, maxPass float64, timeoutMs int64) (int64, bool) {
	length, interval := m.WindowLengthMs(), m.IntervalMs()
	buckets := m.data.Values(now)
	var last int64
	for start := range m.borrowed {
		if start > last {
			last = start
		}
	}
	for target := m.data.WindowStart(now) + length; ; target += length {
		wait := target - now
		if wait >= timeoutMs {
			break
		}
		// Every pass charged to a window after from shares an interval with
		// target, including those charged beyond it.
		from := target - interval
		used := m.borrowedInLocked(from, math.MaxInt64)
		for _, bw := range buckets {
			if bw.Start() > from {
				used += bw.Value().Get(MetricEventPass)
			}
		}
		if float64(used+n) <= maxPass {
			return wait, true
		}
		if from >= now && from >= last {
			// Nothing left to expire.
			break
		}
	}
	return timeoutMs, false
}

// Occupy is OccupyWait which also charges the n passes to the window the
// request runs in after waiting. The grant is recorded as occupied in the
// current window.
func (m *WindowMetric) Occupy(now, n int64, maxPass float64, timeoutMs int64) (waitMs int64, ok bool) {
	m.borrowMu.Lock()
	defer m.borrowMu.Unlock()
	for start := range m.borrowed {
		if start <= now-m.IntervalMs() {
			delete(m.borrowed, start)
		}
	}
	waitMs, ok = m.occupyWaitLocked(now, n, maxPass, timeoutMs)
	if !ok {
		return waitMs, false
	}
	m.borrowed[now+waitMs] += n
	m.AddCountAt(now, MetricEventOccupied, n)
	return waitMs, true
}

// Unoccupy takes back a grant of n passes returned by Occupy(now) with
// waitMs.
func (m *WindowMetric) Unoccupy(now, waitMs, n int64) {
	m.borrowMu.Lock()
	start := now + waitMs
	if c := m.borrowed[start] - n; c > 0 {
		m.borrowed[start] = c
	} else {
		delete(m.borrowed, start)
	}
	m.borrowMu.Unlock()
	m.Revert(now, MetricEventOccupied, n)
}
