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

// Package clock abstracts time for the time-bucketed components. Statistics
// are bucketed by millisecond timestamps, so most callers go through Millis
// rather than Now directly; tests substitute a FakeTimeSource.
package clock

import (
	"context"
	"time"
)

// TimeSource tells the time and creates timers measuring it.
type TimeSource interface {
	Now() time.Time
	// NewTimer creates a timer that fires once d has passed.
	NewTimer(d time.Duration) Timer
}

// Timer delivers one event after a duration, like time.Timer.
type Timer interface {
	// Chan returns the channel the event is delivered on.
	Chan() <-chan time.Time
	// Stop prevents the Timer from firing. It returns false if the event
	// already fired or the Timer was already stopped.
	Stop() bool
}

// System is the TimeSource of the wall clock.
var System TimeSource = systemTimeSource{}

type systemTimeSource struct{}

func (systemTimeSource) Now() time.Time { return time.Now() }

func (systemTimeSource) NewTimer(d time.Duration) Timer { return systemTimer{time.NewTimer(d)} }

type systemTimer struct {
	*time.Timer
}

func (t systemTimer) Chan() <-chan time.Time { return t.C }

// Millis returns the time of ts in milliseconds since the Unix epoch.
func Millis(ts TimeSource) int64 {
	return ts.Now().UnixMilli()
}

// SecondsSince returns the seconds elapsed on ts since t.
func SecondsSince(ts TimeSource, t time.Time) float64 {
	return ts.Now().Sub(t).Seconds()
}

// SleepSource blocks until d has passed on ts. It returns ctx.Err() if ctx
// is done first.
func SleepSource(ctx context.Context, d time.Duration, ts TimeSource) error {
	timer := ts.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepMillis is SleepSource for a duration in milliseconds. Non-positive
// durations only report whether ctx is done.
func SleepMillis(ctx context.Context, ms int64, ts TimeSource) error {
	if ms <= 0 {
		return ctx.Err()
	}
	return SleepSource(ctx, time.Duration(ms)*time.Millisecond, ts)
}
