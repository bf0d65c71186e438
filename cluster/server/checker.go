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
	"math"

	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/stat"
	"github.com/sluice-dev/sluice/util/clock"
)

// decide answers a QPS or parameter token request and records the grant.
func (s *TokenServer) decide(req cluster.TokenRequest) *cluster.TokenResult {
	res, _ := s.tryDecide(req)
	return res
}

// tryDecide is decide which also returns a function taking back the passes
// granted by the result. undo is nil when nothing was granted.
func (s *TokenServer) tryDecide(req cluster.TokenRequest) (res *cluster.TokenResult, undo func()) {
	if req.FlowID <= 0 || req.AcquireCount <= 0 {
		return cluster.NewResult(cluster.StatusBadRequest), nil
	}
	rule, namespace, ok := s.rules.RuleByFlowID(req.FlowID)
	if !ok {
		return cluster.NewResult(cluster.StatusNoRuleExists), nil
	}
	want := flow.GradeQPS
	if len(req.Params) > 0 {
		want = flow.GradeParamQPS
	}
	if rule.Grade != want {
		return cluster.NewResult(cluster.StatusBadRequest), nil
	}
	if !s.limiter.TryPass(namespace) {
		return cluster.NewResult(cluster.StatusTooManyRequest), nil
	}

	cfg := s.config.Config()
	m, err := s.flowMetric(&rule, cfg)
	if err != nil {
		return cluster.FailResult(err), nil
	}
	threshold := s.threshold(&rule, namespace) * cfg.ExceedCount
	if want == flow.GradeParamQPS {
		return acquireParams(m, threshold, req.AcquireCount, req.Params)
	}
	return acquireQPS(m, &rule, threshold, cfg.MaxOccupyRatio, req.AcquireCount, req.Prioritized)
}

// threshold returns the cluster-wide threshold of rule in namespace.
func (s *TokenServer) threshold(rule *flow.Rule, namespace string) float64 {
	if rule.ClusterConfig.ThresholdType == flow.Global {
		return rule.Threshold
	}
	n := s.conns.ConnectedCount(namespace)
	if n < 1 {
		n = 1
	}
	return rule.Threshold * float64(n)
}

func (s *TokenServer) flowMetric(rule *flow.Rule, cfg Config) (*FlowMetric, error) {
	samples, interval := rule.ClusterConfig.SampleCount, rule.ClusterConfig.WindowIntervalMs
	if samples <= 0 {
		samples = cfg.SampleCount
	}
	if interval <= 0 {
		interval = cfg.IntervalMs
	}
	return s.metrics.Get(rule.ClusterConfig.FlowID, samples, interval)
}

// acquireQPS grants n passes if the flow's pass rate, including passes
// already charged to later windows, stays within threshold. A prioritized
// request over the threshold may instead be charged to a later window and
// wait for it.
func acquireQPS(m *FlowMetric, rule *flow.Rule, threshold, occupyRatio float64, n int64, prioritized bool) (*cluster.TokenResult, func()) {
	now := m.Now()
	intervalSec := float64(m.IntervalMs()) / 1000.0
	borrowed := float64(m.Borrowed(now)) / intervalSec
	qps := float64(m.SumAt(now, stat.MetricEventPass))/intervalSec + borrowed
	remaining := threshold - qps - float64(n)/intervalSec
	if remaining >= 0 {
		m.AddCountAt(now, stat.MetricEventPass, n)
		undo := func() { m.Revert(now, stat.MetricEventPass, n) }
		return &cluster.TokenResult{Status: cluster.StatusOK, Remaining: int64(math.Floor(remaining))}, undo
	}

	if prioritized && borrowed <= occupyRatio*threshold {
		timeout := rule.MaxQueueingTimeMs
		if timeout <= 0 {
			timeout = flow.DefaultMaxQueueingMs
		}
		if wait, ok := m.Occupy(now, n, threshold*intervalSec, timeout); ok {
			undo := func() { m.Unoccupy(now, wait, n) }
			return &cluster.TokenResult{Status: cluster.StatusShouldWait, WaitMs: wait}, undo
		}
	}
	m.AddCountAt(now, stat.MetricEventBlock, n)
	return cluster.NewResult(cluster.StatusBlocked), nil
}

// acquireParams grants n passes for every value of params if each value's
// pass rate stays within threshold. Either all values pass or none does.
func acquireParams(m *FlowMetric, threshold float64, n int64, params []string) (*cluster.TokenResult, func()) {
	intervalSec := float64(m.IntervalMs()) / 1000.0
	remaining := math.Inf(1)
	for _, p := range params {
		r := threshold - m.Params().QPS(p) - float64(n)/intervalSec
		if r < 0 {
			m.AddBlock(n)
			return cluster.NewResult(cluster.StatusBlocked), nil
		}
		remaining = math.Min(remaining, r)
	}
	now := m.Now()
	for _, p := range params {
		m.Params().AddPassAt(now, p, n)
	}
	m.AddCountAt(now, stat.MetricEventPass, n)
	undo := func() {
		for _, p := range params {
			m.Params().RevertPass(now, p, n)
		}
		m.Revert(now, stat.MetricEventPass, n)
	}
	return &cluster.TokenResult{Status: cluster.StatusOK, Remaining: int64(math.Floor(remaining))}, undo
}

// acquireConcurrent leases n tokens of flowID to address.
func (s *TokenServer) acquireConcurrent(address string, flowID, n int64) *cluster.TokenResult {
	if flowID <= 0 || n <= 0 {
		return cluster.NewResult(cluster.StatusBadRequest)
	}
	rule, namespace, ok := s.rules.RuleByFlowID(flowID)
	if !ok {
		return cluster.NewResult(cluster.StatusNoRuleExists)
	}
	if rule.Grade != flow.GradeConcurrency {
		return cluster.NewResult(cluster.StatusBadRequest)
	}
	if !s.limiter.TryPass(namespace) {
		return cluster.NewResult(cluster.StatusTooManyRequest)
	}
	timeout := rule.ClusterConfig.ResourceTimeoutMs
	if timeout <= 0 {
		timeout = flow.DefaultResourceTimeout
	}
	threshold := s.threshold(&rule, namespace)
	l, ok := s.leases.Acquire(flowID, n, threshold, address, clock.Millis(s.ts), timeout)
	if !ok {
		return cluster.NewResult(cluster.StatusBlocked)
	}
	s.active.Set(float64(s.leases.Len()))
	return &cluster.TokenResult{
		Status:    cluster.StatusOK,
		Remaining: int64(math.Floor(threshold)) - s.leases.InUse(flowID),
		TokenID:   l.TokenID,
	}
}
