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

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeTimeSource is a TimeSource whose time only moves when told to. Its
// timers fire as Set or Add move the time past their deadline.
type FakeTimeSource struct {
	mu  sync.Mutex
	now time.Time
	// pending holds the unfired timers ordered by deadline.
	pending []*fakeTimer
}

// NewFake returns a FakeTimeSource set to t.
func NewFake(t time.Time) *FakeTimeSource {
	return &FakeTimeSource{now: t}
}

// NewFakeMillis returns a FakeTimeSource set to a Unix millisecond
// timestamp.
func NewFakeMillis(ms int64) *FakeTimeSource {
	return NewFake(time.UnixMilli(ms))
}

// Now implements TimeSource.
func (f *FakeTimeSource) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTimer implements TimeSource. Timers with a non-positive duration fire
// at once.
func (f *FakeTimeSource) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{ts: f, deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- f.now
		return t
	}
	i := sort.Search(len(f.pending), func(i int) bool { return f.pending[i].deadline.After(t.deadline) })
	f.pending = append(f.pending, nil)
	copy(f.pending[i+1:], f.pending[i:])
	f.pending[i] = t
	return t
}

// PendingTimers returns the number of timers waiting to fire, letting tests
// wait until a goroutine blocks on the fake time.
func (f *FakeTimeSource) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Set moves the time to t and fires the timers due by then.
func (f *FakeTimeSource) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	n := 0
	for n < len(f.pending) && !f.pending[n].deadline.After(t) {
		f.pending[n].ch <- t
		n++
	}
	f.pending = append(f.pending[:0], f.pending[n:]...)
}

// SetMillis is Set for a Unix millisecond timestamp.
func (f *FakeTimeSource) SetMillis(ms int64) {
	f.Set(time.UnixMilli(ms))
}

// Add moves the time forward by d.
func (f *FakeTimeSource) Add(d time.Duration) {
	f.mu.Lock()
	t := f.now.Add(d)
	f.mu.Unlock()
	f.Set(t)
}

// remove drops t from the pending timers and reports whether it was there.
func (f *FakeTimeSource) remove(t *fakeTimer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	ts       *FakeTimeSource
	deadline time.Time
	// ch is buffered so firing never blocks the FakeTimeSource.
	ch chan time.Time
}

func (t *fakeTimer) Chan() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool { return t.ts.remove(t) }
