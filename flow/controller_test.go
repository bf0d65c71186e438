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

package flow

import (
	"testing"
	"time"

	"github.com/sluice-dev/sluice/base"
	"github.com/sluice-dev/sluice/node"
	"github.com/sluice-dev/sluice/util/clock"
)

const testStart = 10000

func newTestNode(t *testing.T, ts clock.TimeSource) *node.StatisticNode {
	t.Helper()
	n, err := node.NewStatisticNode(2, 1000, ts)
	if err != nil {
		t.Fatalf("NewStatisticNode: %v", err)
	}
	return n
}

func mustController(t *testing.T, r Rule, ts clock.TimeSource) Controller {
	t.Helper()
	c, err := NewController(r, ts)
	if err != nil {
		t.Fatalf("NewController(%v): %v", r, err)
	}
	return c
}

func TestRejectQPS(t *testing.T) {
	ts := clock.NewFakeMillis(testStart)
	stats := newTestNode(t, ts)
	c := mustController(t, Rule{ID: "two", Resource: "r", Threshold: 2}, ts)
	in := &Input{AcquireCount: 1}

	for i := 0; i < 2; i++ {
		if res := c.Check(stats, in); res.Status != base.CheckPass {
			t.Fatalf("Check(#%d)=%v, want pass", i, res.Status)
		}
		stats.AddPass(1)
	}
	res := c.Check(stats, in)
	if !res.IsBlocked() {
		t.Fatalf("Check(#2)=%v, want blocked", res.Status)
	}
	if got, want := res.Err.Reason(), "two/QPS"; got != want {
		t.Errorf("Reason()=%q, want %q", got, want)
	}
	if got, want := res.Err.BlockType(), base.BlockTypeFlow; got != want {
		t.Errorf("BlockType()=%v, want %v", got, want)
	}

	ts.Add(2 * time.Second)
	if res := c.Check(stats, in); res.Status != base.CheckPass {
		t.Errorf("Check() after the window slid=%v, want pass", res.Status)
	}
}

func TestRejectZeroThreshold(t *testing.T) {
	ts := clock.NewFakeMillis(testStart)
	c := mustController(t, Rule{Resource: "r"}, ts)
	if res := c.Check(newTestNode(t, ts), &Input{AcquireCount: 1}); !res.IsBlocked() {
		t.Errorf("Check()=%v, want blocked", res.Status)
	}
}

func TestRejectPrioritizedOccupies(t *testing.T) {
	ts := clock.NewFakeMillis(testStart)
	stats := newTestNode(t, ts)
	c := mustController(t, Rule{Resource: "r", Threshold: 10}, ts)
	stats.AddPass(10)
	ts.SetMillis(testStart + 600)

	if res := c.Check(stats, &Input{AcquireCount: 1}); !res.IsBlocked() {
		t.Errorf("Check()=%v, want blocked", res.Status)
	}
	res := c.Check(stats, &Input{AcquireCount: 1, Prioritized: true})
	if res.Status != base.CheckShouldWait || res.WaitMs != 400 || !res.Occupied {
		t.Errorf("Check(prioritized)=%+v, want occupied wait of 400ms", res)
	}
	if got := stats.Metric().Occupied(); got != 1 {
		t.Errorf("Occupied()=%d, want 1", got)
	}

	// The borrowed pass belongs to the window starting at 11000.
	ts.SetMillis(testStart + 1000)
	if got := stats.Metric().Pass(); got != 1 {
		t.Errorf("Pass() in the borrowed window=%d, want 1", got)
	}
	for i := 0; i < 9; i++ {
		if res := c.Check(stats, &Input{AcquireCount: 1}); res.Status != base.CheckPass {
			t.Fatalf("Check(#%d) in the borrowed window=%v, want pass", i, res.Status)
		}
		stats.AddPass(1)
	}
	if res := c.Check(stats, &Input{AcquireCount: 1}); !res.IsBlocked() {
		t.Errorf("Check() over the threshold with a borrowed pass=%v, want blocked", res.Status)
	}
}

func TestRejectPrioritizedSeesPendingBorrows(t *testing.T) {
	ts := clock.NewFakeMillis(testStart)
	stats := newTestNode(t, ts)
	c := mustController(t, Rule{Resource: "r", Threshold: 2, MaxQueueingTimeMs: 1500}, ts)
	stats.AddPass(2)

	// Two borrows fill the interval ending with the window at 11000; a third
	// would have to wait for 11500.
	in := &Input{AcquireCount: 1, Prioritized: true}
	for i, want := range []int64{1000, 1000} {
		res := c.Check(stats, in)
		if res.Status != base.CheckShouldWait || res.WaitMs != want {
			t.Fatalf("Check(#%d)=%+v, want wait of %dms", i, res, want)
		}
	}
	if res := c.Check(stats, in); !res.IsBlocked() {
		t.Errorf("Check() with the next interval borrowed=%+v, want blocked", res)
	}
	if res := c.Check(stats, &Input{AcquireCount: 1}); !res.IsBlocked() {
		t.Errorf("Check() of a plain request=%+v, want blocked", res)
	}
}

func TestRejectConcurrency(t *testing.T) {
	ts := clock.NewFakeMillis(testStart)
	stats := newTestNode(t, ts)
	c := mustController(t, Rule{Resource: "r", Grade: GradeConcurrency, Threshold: 2}, ts)
	in := &Input{AcquireCount: 1}

	// Entries are counted before they are checked.
	stats.IncThreads()
	stats.IncThreads()
	if res := c.Check(stats, in); res.Status != base.CheckPass {
		t.Fatalf("Check() with 2 threads=%v, want pass", res.Status)
	}
	stats.IncThreads()
	res := c.Check(stats, in)
	if !res.IsBlocked() {
		t.Fatalf("Check() with 3 threads=%v, want blocked", res.Status)
	}
	if got, want := res.Err.Reason(), "r:Concurrency:2/Concurrency"; got != want {
		t.Errorf("Reason()=%q, want %q", got, want)
	}
}

func TestThrottling(t *testing.T) {
	ts := clock.NewFakeMillis(testStart)
	c := mustController(t, Rule{Resource: "r", Threshold: 10, ControlBehavior: Throttling, MaxQueueingTimeMs: 500}, ts)
	in := &Input{AcquireCount: 1}

	if res := c.Check(nil, in); res.Status != base.CheckPass {
		t.Fatalf("Check(#0)=%+v, want pass", res)
	}
	for i := int64(1); i <= 5; i++ {
		res := c.Check(nil, in)
		if res.Status != base.CheckShouldWait || res.WaitMs != i*100 {
			t.Fatalf("Check(#%d)=%+v, want wait of %dms", i, res, i*100)
		}
	}
	if res := c.Check(nil, in); !res.IsBlocked() {
		t.Fatalf("Check(#6)=%+v, want blocked", res)
	}

	// The queue drains at the configured rate.
	ts.Add(time.Second)
	if res := c.Check(nil, in); res.Status != base.CheckPass {
		t.Errorf("Check() after draining=%+v, want pass", res)
	}
}

func TestWarmUp(t *testing.T) {
	ts := clock.NewFakeMillis(testStart)
	stats := newTestNode(t, ts)
	// A cold start admits threshold/coldFactor QPS: 1/(50*0.004+0.1) = 3.33.
	c := mustController(t, Rule{Resource: "r", Threshold: 10, ControlBehavior: WarmUp, WarmUpPeriodSec: 10, WarmUpColdFactor: 3}, ts)
	in := &Input{AcquireCount: 1}

	stats.AddPass(2)
	if res := c.Check(stats, in); res.Status != base.CheckPass {
		t.Fatalf("Check() at 2 qps=%+v, want pass", res)
	}
	stats.AddPass(1)
	if res := c.Check(stats, in); !res.IsBlocked() {
		t.Fatalf("Check() at 3 qps=%+v, want blocked", res)
	}
}

func TestTokenBucketController(t *testing.T) {
	for _, strategy := range []string{"strict", "optimistic", "default"} {
		t.Run(strategy, func(t *testing.T) {
			ts := clock.NewFakeMillis(testStart)
			c := mustController(t, Rule{Resource: "r", Threshold: 2, BurstCount: 1, ControlBehavior: TokenBucket, BucketStrategy: strategy}, ts)
			in := &Input{AcquireCount: 1}

			for i := 0; i < 3; i++ {
				if res := c.Check(nil, in); res.Status != base.CheckPass {
					t.Fatalf("Check(#%d)=%+v, want pass", i, res)
				}
			}
			if res := c.Check(nil, in); !res.IsBlocked() {
				t.Fatalf("Check(#3)=%+v, want blocked", res)
			}
			ts.Add(time.Second)
			for i := 0; i < 2; i++ {
				if res := c.Check(nil, in); res.Status != base.CheckPass {
					t.Fatalf("Check(#%d) after refill=%+v, want pass", i, res)
				}
			}
			if res := c.Check(nil, in); !res.IsBlocked() {
				t.Fatalf("Check() after refill drained=%+v, want blocked", res)
			}
		})
	}
}

func TestParamController(t *testing.T) {
	ts := clock.NewFakeMillis(testStart)
	c := mustController(t, Rule{Resource: "r", Grade: GradeParamQPS, ParamIndex: 1, Threshold: 2}, ts)
	call := func(args ...interface{}) base.CheckResult {
		return c.Check(nil, &Input{AcquireCount: 1, Args: args})
	}

	for i := 0; i < 2; i++ {
		if res := call("user", 42); res.Status != base.CheckPass {
			t.Fatalf("Check(42, #%d)=%+v, want pass", i, res)
		}
	}
	res := call("user", 42)
	if !res.IsBlocked() {
		t.Fatalf("Check(42, #2)=%+v, want blocked", res)
	}
	if got, want := res.Err.BlockType(), base.BlockTypeParamFlow; got != want {
		t.Errorf("BlockType()=%v, want %v", got, want)
	}
	if res := call("user", "42"); !res.IsBlocked() {
		t.Errorf("Check(\"42\")=%+v, want blocked as the same value", res)
	}
	if res := call("user", 43); res.Status != base.CheckPass {
		t.Errorf("Check(43)=%+v, want pass", res)
	}
	if res := call("user"); res.Status != base.CheckPass {
		t.Errorf("Check() without the argument=%+v, want pass", res)
	}
	ts.Add(time.Second)
	if res := call("user", 42); res.Status != base.CheckPass {
		t.Errorf("Check(42) in the next interval=%+v, want pass", res)
	}
}
