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
	"testing"
	"time"
)

// fired returns the event of timer, if one was delivered.
func fired(timer Timer) (time.Time, bool) {
	select {
	case tm := <-timer.Chan():
		return tm, true
	default:
		return time.Time{}, false
	}
}

func TestFakeTimerFiresOnce(t *testing.T) {
	ts := NewFake(base)
	timer := ts.NewTimer(10 * time.Millisecond)

	ts.Add(9 * time.Millisecond)
	if tm, ok := fired(timer); ok {
		t.Fatalf("timer fired early at %v", tm)
	}
	ts.Add(time.Millisecond)
	tm, ok := fired(timer)
	if want := base.Add(10 * time.Millisecond); !ok || !tm.Equal(want) {
		t.Errorf("fired() = %v, %v, want %v", tm, ok, want)
	}
	ts.Add(time.Hour)
	if tm, ok := fired(timer); ok {
		t.Errorf("timer fired again at %v", tm)
	}
}

func TestFakeTimerImmediate(t *testing.T) {
	ts := NewFake(base)
	for _, d := range []time.Duration{0, -time.Second} {
		timer := ts.NewTimer(d)
		if tm, ok := fired(timer); !ok || !tm.Equal(base) {
			t.Errorf("NewTimer(%v): fired() = %v, %v, want %v", d, tm, ok, base)
		}
		if timer.Stop() {
			t.Errorf("NewTimer(%v): Stop() = true after firing", d)
		}
	}
	if n := ts.PendingTimers(); n != 0 {
		t.Errorf("PendingTimers() = %d, want 0", n)
	}
}

func TestFakeTimerStop(t *testing.T) {
	ts := NewFake(base)
	stopped := ts.NewTimer(10 * time.Millisecond)
	firing := ts.NewTimer(10 * time.Millisecond)
	if !stopped.Stop() {
		t.Error("Stop() = false on a pending timer")
	}
	if stopped.Stop() {
		t.Error("Stop() = true on a stopped timer")
	}

	ts.Add(20 * time.Millisecond)
	if tm, ok := fired(stopped); ok {
		t.Errorf("stopped timer fired at %v", tm)
	}
	if firing.Stop() {
		t.Error("Stop() = true on a fired timer")
	}
	if _, ok := fired(firing); !ok {
		t.Error("timer did not fire")
	}
}

func TestManyFakeTimers(t *testing.T) {
	ts := NewFake(base)
	// Created out of order to exercise the deadline ordering.
	order := []int{5, 1, 9, 3, 7, 2, 10, 4, 8, 6}
	timers := make(map[int]Timer)
	for _, i := range order {
		timers[i] = ts.NewTimer(time.Duration(i) * time.Second)
	}

	for i := 1; i <= 10; i++ {
		want := base.Add(time.Duration(i) * time.Second)
		ts.Set(want)
		for j, timer := range timers {
			tm, ok := fired(timer)
			switch {
			case j == i && (!ok || !tm.Equal(want)):
				t.Errorf("at %ds: timer %d fired() = %v, %v, want %v", i, j, tm, ok, want)
			case j != i && ok:
				t.Errorf("at %ds: timer %d fired at %v", i, j, tm)
			}
		}
		if got, want := ts.PendingTimers(), 10-i; got != want {
			t.Errorf("at %ds: PendingTimers() = %d, want %d", i, got, want)
		}
	}
}

func TestFakeTimersSameDeadline(t *testing.T) {
	ts := NewFake(base)
	a := ts.NewTimer(time.Second)
	b := ts.NewTimer(time.Second)
	ts.Add(2 * time.Second)
	for name, timer := range map[string]Timer{"a": a, "b": b} {
		if tm, ok := fired(timer); !ok || !tm.Equal(base.Add(2*time.Second)) {
			t.Errorf("timer %s: fired() = %v, %v", name, tm, ok)
		}
	}
}
