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
	"runtime"

	"go.uber.org/atomic"
)

// BucketWrap is one slot of a LeapArray: the start of the time window it
// currently covers and the value holding that window's statistics.
type BucketWrap[T any] struct {
	start atomic.Int64
	value atomic.Pointer[T]
}

func newBucketWrap[T any](start int64, value *T) *BucketWrap[T] {
	bw := &BucketWrap[T]{}
	bw.value.Store(value)
	bw.start.Store(start)
	return bw
}

// Start returns the window start in milliseconds.
func (bw *BucketWrap[T]) Start() int64 {
	return bw.start.Load()
}

// Value returns the statistics of the window.
func (bw *BucketWrap[T]) Value() *T {
	return bw.value.Load()
}

// resetTo recycles the slot for a new window. The fresh value is published
// before the new start, so a caller that observes the new start always sees
// zeroed statistics.
func (bw *BucketWrap[T]) resetTo(start int64, value *T) {
	bw.value.Store(value)
	bw.start.Store(start)
}

// LeapArray is a fixed-length ring of time buckets covering the last
// intervalMs milliseconds, each bucket spanning windowLengthMs.
type LeapArray[T any] struct {
	sampleCount    int
	intervalMs     int64
	windowLengthMs int64
	newBucket      func() *T

	array []atomic.Pointer[BucketWrap[T]]
	// resetting is held by the single caller recycling a stale slot.
	resetting atomic.Bool
}

// NewLeapArray creates a LeapArray of sampleCount buckets spanning intervalMs.
// newBucket returns a zeroed bucket value.
func NewLeapArray[T any](sampleCount int, intervalMs int64, newBucket func() *T) (*LeapArray[T], error) {
	if err := CheckValidity(sampleCount, intervalMs); err != nil {
		return nil, err
	}
	if newBucket == nil {
		return nil, fmt.Errorf("stat: nil bucket generator")
	}
	return &LeapArray[T]{
		sampleCount:    sampleCount,
		intervalMs:     intervalMs,
		windowLengthMs: intervalMs / int64(sampleCount),
		newBucket:      newBucket,
		array:          make([]atomic.Pointer[BucketWrap[T]], sampleCount),
	}, nil
}

// CheckValidity reports whether sampleCount buckets can evenly split
// intervalMs.
func CheckValidity(sampleCount int, intervalMs int64) error {
	if sampleCount <= 0 {
		return fmt.Errorf("stat: sample count must be positive, got %d", sampleCount)
	}
	if intervalMs <= 0 {
		return fmt.Errorf("stat: interval must be positive, got %dms", intervalMs)
	}
	if intervalMs%int64(sampleCount) != 0 {
		return fmt.Errorf("stat: interval %dms is not divisible by sample count %d", intervalMs, sampleCount)
	}
	return nil
}

// SampleCount returns the number of buckets.
func (la *LeapArray[T]) SampleCount() int { return la.sampleCount }

// IntervalMs returns the total span of the array.
func (la *LeapArray[T]) IntervalMs() int64 { return la.intervalMs }

// WindowLengthMs returns the span of a single bucket.
func (la *LeapArray[T]) WindowLengthMs() int64 { return la.windowLengthMs }

func (la *LeapArray[T]) index(now int64) int {
	return int((now / la.windowLengthMs) % int64(la.sampleCount))
}

// WindowStart returns the start of the window containing now.
func (la *LeapArray[T]) WindowStart(now int64) int64 {
	return now - now%la.windowLengthMs
}

// CurrentWindow returns the bucket covering now, installing or recycling the
// slot if needed.
func (la *LeapArray[T]) CurrentWindow(now int64) (*BucketWrap[T], error) {
	if now < 0 {
		return nil, fmt.Errorf("stat: negative timestamp %d", now)
	}
	idx := la.index(now)
	start := la.WindowStart(now)
	slot := &la.array[idx]
	for {
		old := slot.Load()
		if old == nil {
			bw := newBucketWrap(start, la.newBucket())
			if slot.CompareAndSwap(nil, bw) {
				return bw, nil
			}
			// Another caller installed the slot; use theirs.
			runtime.Gosched()
			continue
		}
		oldStart := old.Start()
		switch {
		case start == oldStart:
			return old, nil
		case start > oldStart:
			if la.resetting.CompareAndSwap(false, true) {
				// A previous holder may already have recycled it.
				if old.Start() < start {
					old.resetTo(start, la.newBucket())
				}
				la.resetting.Store(false)
				continue
			}
			runtime.Gosched()
		default:
			// The clock went backwards past a newer window.
			if la.sampleCount == 1 {
				return old, nil
			}
			return nil, fmt.Errorf("stat: timestamp %d precedes window start %d", now, oldStart)
		}
	}
}

// Window returns the bucket of the window containing now, or nil if that
// window is not installed. It never creates buckets.
func (la *LeapArray[T]) Window(now int64) *BucketWrap[T] {
	if now < 0 {
		return nil
	}
	bw := la.array[la.index(now)].Load()
	if bw == nil || bw.Start() != la.WindowStart(now) {
		return nil
	}
	return bw
}

// isLive reports whether a bucket starting at start belongs to the interval
// ending at now.
func (la *LeapArray[T]) isLive(now, start int64) bool {
	return start <= now && now-start < la.intervalMs
}

// PreviousWindow returns the bucket immediately preceding the one covering
// now, or nil if it holds no statistics for that window.
func (la *LeapArray[T]) PreviousWindow(now int64) *BucketWrap[T] {
	prev := la.WindowStart(now) - la.windowLengthMs
	if prev < 0 {
		return nil
	}
	bw := la.array[la.index(prev)].Load()
	if bw == nil || bw.Start() != prev {
		return nil
	}
	return bw
}

// Values returns a fresh snapshot of the live buckets at now. It never
// creates buckets.
func (la *LeapArray[T]) Values(now int64) []*BucketWrap[T] {
	return la.ValuesConditional(now, nil)
}

// ValuesConditional is Values restricted to buckets whose start satisfies
// pred. A nil pred accepts every live bucket.
func (la *LeapArray[T]) ValuesConditional(now int64, pred func(start int64) bool) []*BucketWrap[T] {
	ret := make([]*BucketWrap[T], 0, la.sampleCount)
	for i := range la.array {
		bw := la.array[i].Load()
		if bw == nil {
			continue
		}
		start := bw.Start()
		if !la.isLive(now, start) {
			continue
		}
		if pred != nil && !pred(start) {
			continue
		}
		ret = append(ret, bw)
	}
	return ret
}
