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

package server

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/monitoring"
	"github.com/sluice-dev/sluice/util/clock"
	"golang.org/x/sync/errgroup"
)

const testNamespace = "ns"

func qpsRule(flowID int64, threshold float64) flow.Rule {
	return flow.Rule{
		Resource:      "r" + strconv.FormatInt(flowID, 10),
		Threshold:     threshold,
		ClusterMode:   true,
		ClusterConfig: flow.ClusterConfig{FlowID: flowID, ThresholdType: flow.Global},
	}
}

func concurrencyRule(flowID int64, threshold float64) flow.Rule {
	r := qpsRule(flowID, threshold)
	r.Grade = flow.GradeConcurrency
	return r
}

type serverEnv struct {
	ts *clock.FakeTimeSource
	s  *TokenServer
}

func newServerEnv(t *testing.T, cfg Config, rules ...flow.Rule) *serverEnv {
	t.Helper()
	ts := clock.NewFakeMillis(10000)
	s, err := New(Options{Config: cfg, TimeSource: ts, MetricFactory: monitoring.InertMetricFactory{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(rules) > 0 && !s.Rules().LoadRules(testNamespace, rules) {
		t.Fatal("LoadRules() = false")
	}
	return &serverEnv{ts: ts, s: s}
}

func from(address string) context.Context {
	return WithClientAddress(context.Background(), address)
}

func statuses(rs ...*cluster.TokenResult) []cluster.TokenStatus {
	var r []cluster.TokenStatus
	for _, res := range rs {
		r = append(r, res.Status)
	}
	return r
}

func TestConcurrencyFlow111(t *testing.T) {
	env := newServerEnv(t, Config{}, concurrencyRule(111, 10))
	ctx := from("10.0.0.1:4000")

	ids := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		res := env.s.RequestConcurrentToken(ctx, 111, 1)
		if res.Status != cluster.StatusOK {
			t.Fatalf("acquire %d: %v, want OK", i, res)
		}
		if ids[res.TokenID] {
			t.Fatalf("acquire %d: token %d issued twice", i, res.TokenID)
		}
		ids[res.TokenID] = true
	}
	if res := env.s.RequestConcurrentToken(ctx, 111, 1); res.Status != cluster.StatusBlocked {
		t.Errorf("11th acquire: %v, want Blocked", res)
	}
	if got := env.s.Leases().InUse(111); got != 10 {
		t.Errorf("InUse() = %d, want 10", got)
	}

	for id := range ids {
		if res := env.s.ReleaseConcurrentToken(ctx, id); res.Status != cluster.StatusReleaseOK {
			t.Errorf("release %d: %v, want ReleaseOK", id, res)
		}
		if res := env.s.ReleaseConcurrentToken(ctx, id); res.Status != cluster.StatusNotFound {
			t.Errorf("second release %d: %v, want NotFound", id, res)
		}
	}
	if got := env.s.Leases().InUse(111); got != 0 {
		t.Errorf("InUse() after release = %d, want 0", got)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	const threshold = 10
	env := newServerEnv(t, Config{MaxAllowedQPS: -1}, concurrencyRule(111, threshold))
	var g errgroup.Group
	for w := 0; w < 100; w++ {
		ctx := from("client-" + strconv.Itoa(w%5))
		g.Go(func() error {
			for i := 0; i < 10; i++ {
				res := env.s.RequestConcurrentToken(ctx, 111, 1)
				if n := env.s.Leases().InUse(111); n > threshold {
					t.Errorf("InUse() = %d over threshold", n)
				}
				if res.Status == cluster.StatusOK {
					env.s.ReleaseConcurrentToken(ctx, res.TokenID)
				}
			}
			return nil
		})
	}
	g.Wait()
	if n, l := env.s.Leases().InUse(111), env.s.Leases().Len(); n != 0 || l != 0 {
		t.Errorf("InUse()=%d Len()=%d, want 0, 0", n, l)
	}
}

func TestSweepReclaimsLeases(t *testing.T) {
	rule := concurrencyRule(7, 5)
	rule.ClusterConfig.ResourceTimeoutMs = 3000
	env := newServerEnv(t, Config{ClientOfflineTimeoutMs: 1000}, rule)

	short := rule
	short.Resource = "short"
	short.ClusterConfig.FlowID = 8
	short.ClusterConfig.ResourceTimeoutMs = 100
	env.s.Rules().LoadRules("other", []flow.Rule{short})

	a, b := from("a"), from("b")
	env.s.RequestConcurrentToken(a, 7, 2)
	held := env.s.RequestConcurrentToken(b, 7, 1)
	expiring := env.s.RequestConcurrentToken(b, 8, 1)

	env.ts.Add(600 * time.Millisecond)
	env.s.Ping(b, testNamespace)
	env.s.Sweep()
	if res := env.s.ReleaseConcurrentToken(b, expiring.TokenID); res.Status != cluster.StatusNotFound {
		t.Errorf("release of expired lease: %v, want NotFound", res)
	}

	env.ts.Add(600 * time.Millisecond)
	env.s.Sweep()
	if env.s.Connections().IsConnected("a") {
		t.Error("silent client a still connected")
	}
	if got := env.s.Leases().InUse(7); got != 1 {
		t.Errorf("InUse(7) = %d, want 1", got)
	}
	if _, ok := env.s.Leases().Lookup(held.TokenID); !ok {
		t.Error("lease of live client b reclaimed")
	}
}

func TestRequestToken(t *testing.T) {
	env := newServerEnv(t, Config{}, qpsRule(1, 5))
	ctx := from("a")
	var remaining []int64
	for i := 0; i < 5; i++ {
		res := env.s.RequestToken(ctx, 1, 1, false)
		if res.Status != cluster.StatusOK {
			t.Fatalf("request %d: %v, want OK", i, res)
		}
		remaining = append(remaining, res.Remaining)
	}
	if diff := cmp.Diff([]int64{4, 3, 2, 1, 0}, remaining); diff != "" {
		t.Errorf("remaining diff (-want +got):\n%s", diff)
	}
	if res := env.s.RequestToken(ctx, 1, 1, false); res.Status != cluster.StatusBlocked {
		t.Errorf("6th request: %v, want Blocked", res)
	}
	env.ts.Add(time.Second)
	if res := env.s.RequestToken(ctx, 1, 2, false); res.Status != cluster.StatusOK {
		t.Errorf("request in next interval: %v, want OK", res)
	}
}

func TestRequestTokenPrioritized(t *testing.T) {
	rule := qpsRule(1, 5)
	rule.MaxQueueingTimeMs = 1000
	env := newServerEnv(t, Config{}, rule)
	ctx := from("a")
	for i := 0; i < 5; i++ {
		env.s.RequestToken(ctx, 1, 1, false)
	}
	env.ts.Add(50 * time.Millisecond)

	res := env.s.RequestToken(ctx, 1, 1, true)
	if res.Status != cluster.StatusShouldWait || res.WaitMs != 950 {
		t.Errorf("prioritized request: %v, want ShouldWait 950ms", res)
	}
	if res := env.s.RequestToken(ctx, 1, 1, false); res.Status != cluster.StatusBlocked {
		t.Errorf("plain request: %v, want Blocked", res)
	}
	m, _ := env.s.Metrics().Lookup(1)
	if got := m.Occupied(); got != 1 {
		t.Errorf("Occupied() = %d, want 1", got)
	}

	// The waiting request runs in the next interval and takes one of its passes.
	env.ts.Add(950 * time.Millisecond)
	var got []cluster.TokenStatus
	for i := 0; i < 5; i++ {
		got = append(got, env.s.RequestToken(ctx, 1, 1, false).Status)
	}
	want := []cluster.TokenStatus{cluster.StatusOK, cluster.StatusOK, cluster.StatusOK, cluster.StatusOK, cluster.StatusBlocked}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses after wait diff (-want +got):\n%s", diff)
	}
	if got := m.Pass(); got != 5 {
		t.Errorf("Pass() = %d, want 5", got)
	}
}

func TestPrioritizedSustainedLoad(t *testing.T) {
	rule := qpsRule(1, 10)
	rule.MaxQueueingTimeMs = 1000
	env := newServerEnv(t, Config{}, rule)
	ctx := from("a")

	// Requests run at once when OK or after their wait when ShouldWait.
	runs := make(map[int64]int)
	total := 0
	for step := 0; step < 200; step++ {
		now := clock.Millis(env.ts)
		for i := 0; i < 5; i++ {
			res := env.s.RequestToken(ctx, 1, 1, true)
			switch res.Status {
			case cluster.StatusOK:
				runs[now/1000]++
				total++
			case cluster.StatusShouldWait:
				runs[(now+res.WaitMs)/1000]++
				total++
			}
		}
		env.ts.Add(100 * time.Millisecond)
	}
	for sec, n := range runs {
		if n > 10 {
			t.Errorf("%d requests ran in second %d, want at most 10", n, sec)
		}
	}
	if total < 100 {
		t.Errorf("%d requests ran in 20s, want at least 100", total)
	}
}

func TestAvgLocalThreshold(t *testing.T) {
	rule := qpsRule(1, 2)
	rule.ClusterConfig.ThresholdType = flow.AvgLocal
	env := newServerEnv(t, Config{}, rule)
	env.s.Ping(from("a"), testNamespace)
	env.s.Ping(from("b"), testNamespace)
	env.s.Ping(from("c"), "elsewhere")

	var got []cluster.TokenStatus
	for i := 0; i < 5; i++ {
		got = append(got, env.s.RequestToken(from("a"), 1, 1, false).Status)
	}
	want := []cluster.TokenStatus{cluster.StatusOK, cluster.StatusOK, cluster.StatusOK, cluster.StatusOK, cluster.StatusBlocked}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses diff (-want +got):\n%s", diff)
	}
}

func TestExceedCount(t *testing.T) {
	env := newServerEnv(t, Config{ExceedCount: 1.5}, qpsRule(1, 2))
	ctx := from("a")
	got := statuses(
		env.s.RequestToken(ctx, 1, 1, false),
		env.s.RequestToken(ctx, 1, 1, false),
		env.s.RequestToken(ctx, 1, 1, false),
		env.s.RequestToken(ctx, 1, 1, false),
	)
	want := []cluster.TokenStatus{cluster.StatusOK, cluster.StatusOK, cluster.StatusOK, cluster.StatusBlocked}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses diff (-want +got):\n%s", diff)
	}
}

func TestRequestValidation(t *testing.T) {
	param := qpsRule(3, 5)
	param.Grade = flow.GradeParamQPS
	env := newServerEnv(t, Config{}, qpsRule(1, 5), concurrencyRule(2, 5), param)
	ctx := from("a")
	for _, tc := range []struct {
		desc string
		res  *cluster.TokenResult
		want cluster.TokenStatus
	}{
		{desc: "unknown flow", res: env.s.RequestToken(ctx, 99, 1, false), want: cluster.StatusNoRuleExists},
		{desc: "zero flow", res: env.s.RequestToken(ctx, 0, 1, false), want: cluster.StatusBadRequest},
		{desc: "zero count", res: env.s.RequestToken(ctx, 1, 0, false), want: cluster.StatusBadRequest},
		{desc: "concurrency flow", res: env.s.RequestToken(ctx, 2, 1, false), want: cluster.StatusBadRequest},
		{desc: "param flow without params", res: env.s.RequestToken(ctx, 3, 1, false), want: cluster.StatusBadRequest},
		{desc: "empty params", res: env.s.RequestParamToken(ctx, 3, 1, nil), want: cluster.StatusBadRequest},
		{desc: "params of qps flow", res: env.s.RequestParamToken(ctx, 1, 1, []string{"x"}), want: cluster.StatusBadRequest},
		{desc: "lease of qps flow", res: env.s.RequestConcurrentToken(ctx, 1, 1), want: cluster.StatusBadRequest},
		{desc: "lease of unknown flow", res: env.s.RequestConcurrentToken(ctx, 99, 1), want: cluster.StatusNoRuleExists},
		{desc: "release unknown", res: env.s.ReleaseConcurrentToken(ctx, 12345), want: cluster.StatusNotFound},
	} {
		if tc.res.Status != tc.want {
			t.Errorf("%s: %v, want %v", tc.desc, tc.res, tc.want)
		}
	}
}

func TestRequestParamToken(t *testing.T) {
	rule := qpsRule(3, 2)
	rule.Grade = flow.GradeParamQPS
	env := newServerEnv(t, Config{}, rule)
	ctx := from("a")
	got := statuses(
		env.s.RequestParamToken(ctx, 3, 1, []string{"a"}),
		env.s.RequestParamToken(ctx, 3, 1, []string{"a"}),
		env.s.RequestParamToken(ctx, 3, 1, []string{"a"}),
		env.s.RequestParamToken(ctx, 3, 1, []string{"b"}),
		env.s.RequestParamToken(ctx, 3, 1, []string{"b", "a"}),
		env.s.RequestParamToken(ctx, 3, 1, []string{"b"}),
		env.s.RequestParamToken(ctx, 3, 1, []string{"b"}),
	)
	want := []cluster.TokenStatus{
		cluster.StatusOK, cluster.StatusOK, cluster.StatusBlocked,
		cluster.StatusOK, cluster.StatusBlocked, cluster.StatusOK, cluster.StatusBlocked,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses diff (-want +got):\n%s", diff)
	}
}

func TestRequestBatchToken(t *testing.T) {
	env := newServerEnv(t, Config{}, qpsRule(1, 1), qpsRule(2, 5))
	ctx := from("a")
	reqs := []cluster.TokenRequest{{FlowID: 1, AcquireCount: 1}, {FlowID: 2, AcquireCount: 1}}

	if res := env.s.RequestBatchToken(ctx, reqs); res.Status != cluster.StatusOK || res.Remaining != 0 {
		t.Errorf("first batch: %v, want OK with 0 remaining", res)
	}
	res := env.s.RequestBatchToken(ctx, reqs)
	want := &cluster.TokenResult{
		Status:      cluster.StatusBlocked,
		Attachments: map[string]string{cluster.AttachmentFlowID: "1", cluster.AttachmentIndex: "0"},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("second batch diff (-want +got):\n%s", diff)
	}
	if res := env.s.RequestBatchToken(ctx, nil); res.Status != cluster.StatusOK {
		t.Errorf("empty batch: %v, want OK", res)
	}
}

func TestRequestBatchTokenTakesBackPasses(t *testing.T) {
	env := newServerEnv(t, Config{}, qpsRule(1, 100), qpsRule(2, 0))
	ctx := from("a")
	for _, reqs := range [][]cluster.TokenRequest{
		{{FlowID: 1, AcquireCount: 1}, {FlowID: 2, AcquireCount: 1}},
		{{FlowID: 1, AcquireCount: 1}, {FlowID: 99, AcquireCount: 1}},
	} {
		for i := 0; i < 10; i++ {
			if res := env.s.RequestBatchToken(ctx, reqs); res.Status == cluster.StatusOK {
				t.Fatalf("batch %v: %v, want not OK", reqs, res)
			}
		}
	}
	m, ok := env.s.Metrics().Lookup(1)
	if !ok {
		t.Fatal("no metric for flow 1")
	}
	if got := m.Pass(); got != 0 {
		t.Errorf("Pass() = %d, want 0", got)
	}
	if res := env.s.RequestToken(ctx, 1, 100, false); res.Status != cluster.StatusOK {
		t.Errorf("full request after rejected batches: %v, want OK", res)
	}
}

func TestNamespaceRequestLimit(t *testing.T) {
	env := newServerEnv(t, Config{MaxAllowedQPS: 2}, qpsRule(1, 100))
	ctx := from("a")
	got := statuses(
		env.s.RequestToken(ctx, 1, 1, false),
		env.s.RequestToken(ctx, 1, 1, false),
		env.s.RequestToken(ctx, 1, 1, false),
	)
	want := []cluster.TokenStatus{cluster.StatusOK, cluster.StatusOK, cluster.StatusTooManyRequest}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses diff (-want +got):\n%s", diff)
	}
	env.ts.Add(time.Second)
	if res := env.s.RequestToken(ctx, 1, 1, false); res.Status != cluster.StatusOK {
		t.Errorf("request in next second: %v, want OK", res)
	}
}

func TestRuleRemovalDropsState(t *testing.T) {
	env := newServerEnv(t, Config{}, qpsRule(1, 5), concurrencyRule(111, 10))
	ctx := from("a")
	env.s.RequestToken(ctx, 1, 1, false)
	env.s.RequestConcurrentToken(ctx, 111, 3)

	env.s.Rules().LoadRules(testNamespace, []flow.Rule{qpsRule(1, 5)})
	if got := env.s.Leases().Len(); got != 0 {
		t.Errorf("Leases().Len() = %d, want 0", got)
	}
	if _, ok := env.s.Metrics().Lookup(1); !ok {
		t.Error("metric of kept flow 1 dropped")
	}

	env.s.Rules().LoadRules(testNamespace, nil)
	if ids := env.s.Metrics().FlowIDs(); len(ids) != 0 {
		t.Errorf("metrics of flows %v kept after rule removal", ids)
	}
	if res := env.s.RequestToken(ctx, 1, 1, false); res.Status != cluster.StatusNoRuleExists {
		t.Errorf("request after removal: %v, want NoRuleExists", res)
	}
}

func TestConfigChangeResetsMetrics(t *testing.T) {
	env := newServerEnv(t, Config{}, qpsRule(1, 1))
	ctx := from("a")
	env.s.RequestToken(ctx, 1, 1, false)
	if res := env.s.RequestToken(ctx, 1, 1, false); res.Status != cluster.StatusBlocked {
		t.Fatalf("second request: %v, want Blocked", res)
	}

	if err := env.s.Config().Update(Config{SampleCount: 2, IntervalMs: 1000}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ids := env.s.Metrics().FlowIDs(); len(ids) != 0 {
		t.Errorf("metrics %v kept after shape change", ids)
	}
	res := env.s.RequestToken(ctx, 1, 1, false)
	if res.Status != cluster.StatusOK {
		t.Errorf("request after reset: %v, want OK", res)
	}
	m, _ := env.s.Metrics().Lookup(1)
	if got := m.SampleCount(); got != 2 {
		t.Errorf("SampleCount() = %d, want 2", got)
	}
}

func TestRunSweeps(t *testing.T) {
	rule := concurrencyRule(7, 5)
	rule.ClusterConfig.ResourceTimeoutMs = 100
	env := newServerEnv(t, Config{}, rule)
	env.s.ts = clock.System
	env.s.Leases().Acquire(7, 1, 5, "a", 0, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.s.Run(ctx)
		close(done)
	}()
	if err := env.s.Config().Update(Config{SweepIntervalMs: 10}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for env.s.Leases().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired lease not reclaimed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
