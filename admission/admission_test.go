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

package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/sluice-dev/sluice/base"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/monitoring"
	"github.com/sluice-dev/sluice/node"
	"github.com/sluice-dev/sluice/util/clock"
	"golang.org/x/sync/errgroup"
)

func newTestEngine(t *testing.T, svc cluster.TokenService, rules ...flow.Rule) (*Engine, *clock.FakeTimeSource) {
	t.Helper()
	ts := clock.NewFakeMillis(100000)
	e, err := NewEngine(Options{TimeSource: ts, TokenService: svc, MetricFactory: monitoring.InertMetricFactory{}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.Rules().LoadRules("test", rules)
	return e, ts
}

func TestEntryBlockedByZeroThreshold(t *testing.T) {
	e, _ := newTestEngine(t, nil, flow.Rule{Resource: "r", Grade: flow.GradeQPS, Threshold: 0})

	en, err := e.Entry(context.Background(), "r")
	if en != nil {
		t.Error("Entry() returned an entry for a blocked call")
	}
	be := base.AsBlockError(err)
	if be == nil {
		t.Fatalf("Entry()=%v, want a block error", err)
	}
	if got, want := be.Reason(), "r:QPS:0/QPS"; got != want {
		t.Errorf("Reason()=%q, want %q", got, want)
	}

	rn, ok := e.Registry().LookupResource("r")
	if !ok {
		t.Fatal("resource node of r not created")
	}
	if got := rn.Metric().Block(); got != 1 {
		t.Errorf("block count=%d, want 1", got)
	}
	if got := rn.PassQPS(); got != 0 {
		t.Errorf("PassQPS()=%v, want 0", got)
	}
	if got := rn.CurThreads(); got != 0 {
		t.Errorf("CurThreads()=%d, want 0", got)
	}
	if got := e.entries.Value("r", "block"); got != 1 {
		t.Errorf("block counter=%v, want 1", got)
	}
}

func TestEntryExit(t *testing.T) {
	e, ts := newTestEngine(t, nil)
	ctx := context.Background()

	en, err := e.Entry(ctx, "r", WithOrigin("billing"), WithContextName("checkout"), WithAcquireCount(2))
	if err != nil {
		t.Fatalf("Entry(): %v", err)
	}
	rn, _ := e.Registry().LookupResource("r")
	origin, ok := rn.LookupOrigin("billing")
	if !ok {
		t.Fatal("origin node of billing not created")
	}
	dn := e.Registry().DefaultNode("checkout", "r", base.Inbound)
	for name, n := range map[string]interface {
		CurThreads() int64
		TotalPass() int64
	}{"resource": rn, "origin": origin, "context": dn, "inbound": e.Registry().InboundNode()} {
		if got := n.CurThreads(); got != 1 {
			t.Errorf("%s CurThreads()=%d, want 1", name, got)
		}
		if got := n.TotalPass(); got != 2 {
			t.Errorf("%s TotalPass()=%d, want 2", name, got)
		}
	}

	ts.Add(30 * time.Millisecond)
	en.Exit(WithError(errors.New("backend unavailable")))
	en.Exit()
	if got := rn.CurThreads(); got != 0 {
		t.Errorf("CurThreads() after Exit=%d, want 0", got)
	}
	if got := rn.TotalSuccess(); got != 2 {
		t.Errorf("TotalSuccess()=%d, want 2", got)
	}
	if got := rn.TotalException(); got != 2 {
		t.Errorf("TotalException()=%d, want 2", got)
	}
	if got := rn.Metric().Rt(); got != 30 {
		t.Errorf("Rt()=%d, want 30", got)
	}
}

func TestOutboundSkipsInboundNode(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	en, err := e.Entry(context.Background(), "dep", WithEntryType(base.Outbound))
	if err != nil {
		t.Fatalf("Entry(): %v", err)
	}
	defer en.Exit()
	if got := e.Registry().InboundNode().CurThreads(); got != 0 {
		t.Errorf("inbound CurThreads()=%d, want 0", got)
	}
}

func TestEntryConcurrencyRule(t *testing.T) {
	e, _ := newTestEngine(t, nil, flow.Rule{Resource: "r", Grade: flow.GradeConcurrency, Threshold: 2})
	ctx := context.Background()

	var held []*Entry
	for i := 0; i < 2; i++ {
		en, err := e.Entry(ctx, "r")
		if err != nil {
			t.Fatalf("Entry(#%d): %v", i, err)
		}
		held = append(held, en)
	}
	if _, err := e.Entry(ctx, "r"); !base.IsBlockError(err) {
		t.Fatalf("Entry(#2)=%v, want block", err)
	}
	held[0].Exit()
	en, err := e.Entry(ctx, "r")
	if err != nil {
		t.Fatalf("Entry() after an exit: %v", err)
	}
	en.Exit()
	held[1].Exit()
}

func TestEntryParamRule(t *testing.T) {
	e, _ := newTestEngine(t, nil, flow.Rule{Resource: "r", Grade: flow.GradeParamQPS, Threshold: 1})
	ctx := context.Background()

	en, err := e.Entry(ctx, "r", WithArgs("alice"))
	if err != nil {
		t.Fatalf("Entry(alice): %v", err)
	}
	en.Exit()
	_, err = e.Entry(ctx, "r", WithArgs("alice"))
	if be := base.AsBlockError(err); be == nil || be.BlockType() != base.BlockTypeParamFlow {
		t.Errorf("Entry(alice again)=%v, want a parameter block", err)
	}
	if _, err := e.Entry(ctx, "r", WithArgs("bob")); err != nil {
		t.Errorf("Entry(bob)=%v, want pass", err)
	}
}

func TestEntryReleasesClusterLease(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := cluster.NewMockTokenService(ctrl)
	e, _ := newTestEngine(t, svc, flow.Rule{
		Resource:      "r",
		Grade:         flow.GradeConcurrency,
		Threshold:     10,
		ClusterMode:   true,
		ClusterConfig: flow.ClusterConfig{FlowID: 111},
	})

	granted := cluster.NewResult(cluster.StatusOK)
	granted.TokenID = 42
	gomock.InOrder(
		svc.EXPECT().RequestConcurrentToken(gomock.Any(), int64(111), int64(1)).Return(granted),
		svc.EXPECT().ReleaseConcurrentToken(gomock.Any(), int64(42)).Return(cluster.NewResult(cluster.StatusReleaseOK)),
	)
	en, err := e.Entry(context.Background(), "r")
	if err != nil {
		t.Fatalf("Entry(): %v", err)
	}
	en.Exit()
	en.Exit()
}

func TestResourceLimit(t *testing.T) {
	e, err := NewEngine(Options{TimeSource: clock.NewFakeMillis(1000), Nodes: node.Options{MaxResources: 1}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.Rules().LoadRules("test", []flow.Rule{{Resource: "b"}})
	en, err := e.Entry(context.Background(), "a")
	if err != nil {
		t.Fatalf("Entry(a): %v", err)
	}
	en.Exit()
	// b is over the limit, so its rule is not applied.
	en, err = e.Entry(context.Background(), "b")
	if err != nil {
		t.Fatalf("Entry(b)=%v, want an unchecked pass", err)
	}
	en.Exit()
	if _, ok := e.Registry().LookupResource("b"); ok {
		t.Error("resource b is tracked beyond the limit")
	}
}

func TestConcurrentEntries(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				en, err := e.Entry(context.Background(), "r")
				if err != nil {
					return err
				}
				en.Exit()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("entries: %v", err)
	}
	rn, _ := e.Registry().LookupResource("r")
	if got := rn.TotalPass(); got != 32*50 {
		t.Errorf("TotalPass()=%d, want %d", got, 32*50)
	}
	if got := rn.CurThreads(); got != 0 {
		t.Errorf("CurThreads()=%d, want 0", got)
	}
}
