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
	"fmt"
	"math"

	"github.com/sluice-dev/sluice/base"
	"github.com/sluice-dev/sluice/node"
	"github.com/sluice-dev/sluice/quota"
	"github.com/sluice-dev/sluice/stat"
	"github.com/sluice-dev/sluice/util/clock"
	"go.uber.org/atomic"
)

// Input is one entry as seen by the rule checks.
type Input struct {
	Resource *node.ResourceNode
	Origin   string
	// OriginNode is nil for entries without an origin.
	OriginNode   *node.StatisticNode
	AcquireCount int64
	Prioritized  bool
	Args         []interface{}

	// charged holds the nodes whose pass a controller charged ahead of time.
	charged []*node.StatisticNode
}

// Charged returns the nodes whose per-second pass was already charged while
// checking the entry. They must not record the pass again.
func (in *Input) Charged() []*node.StatisticNode { return in.charged }

// Controller enforces one local rule.
type Controller interface {
	// Rule returns the enforced rule.
	Rule() *Rule
	// Check decides the entry against the statistics of stats.
	Check(stats *node.StatisticNode, in *Input) base.CheckResult
}

// NewController returns the local controller enforcing r.
func NewController(r Rule, ts clock.TimeSource) (Controller, error) {
	if err := ValidateRule(&r); err != nil {
		return nil, err
	}
	if ts == nil {
		ts = clock.System
	}
	if r.Grade == GradeParamQPS {
		return newParamController(r, ts)
	}
	if r.Grade == GradeConcurrency || r.Threshold == 0 {
		return &rejectController{rule: r, ts: ts}, nil
	}
	switch r.ControlBehavior {
	case Throttling:
		c := &throttlingController{rule: r, ts: ts}
		c.latestPassed.Store(-1)
		return c, nil
	case WarmUp:
		return newWarmUpController(r, ts), nil
	case TokenBucket:
		b, err := quota.NewTokenBucket(r.BucketStrategy, bucketConfig(&r, ts))
		if err != nil {
			return nil, err
		}
		return &bucketController{rule: r, bucket: b}, nil
	}
	return &rejectController{rule: r, ts: ts}, nil
}

func bucketConfig(r *Rule, ts clock.TimeSource) quota.Config {
	unit := int64(r.Threshold)
	return quota.Config{
		MaxTokens:  unit + r.BurstCount,
		UnitTokens: unit,
		IntervalMs: r.statIntervalMs(),
		FullStart:  true,
		TimeSource: ts,
	}
}

func blocked(r *Rule, resource string, format string, args ...interface{}) base.CheckResult {
	bt := base.BlockTypeFlow
	if r.Grade == GradeParamQPS {
		bt = base.BlockTypeParamFlow
	}
	return base.Block(base.NewBlockError(bt, resource, r, fmt.Sprintf(format, args...)))
}

// rejectController blocks requests over the threshold. Prioritized QPS
// requests may instead occupy a pass of a later window.
type rejectController struct {
	rule Rule
	ts   clock.TimeSource
}

func (c *rejectController) Rule() *Rule { return &c.rule }

func (c *rejectController) Check(stats *node.StatisticNode, in *Input) base.CheckResult {
	r := &c.rule
	if r.Grade == GradeConcurrency {
		// The entry is already counted in stats.
		if cur := stats.CurThreads(); float64(cur) > r.Threshold {
			return blocked(r, r.Resource, "%d concurrent requests over threshold %v", cur, r.Threshold)
		}
		return base.Pass()
	}
	m := stats.Metric()
	now := clock.Millis(c.ts)
	intervalSec := float64(m.IntervalMs()) / 1000
	// Passes charged to later windows are spoken for.
	used := stats.PassQPS() + float64(m.Borrowed(now))/intervalSec
	if used+float64(in.AcquireCount) <= r.Threshold {
		return base.Pass()
	}
	if in.Prioritized && r.Threshold > 0 {
		if wait, ok := m.Occupy(now, in.AcquireCount, r.Threshold*intervalSec, occupyTimeoutMs(r)); ok {
			return base.OccupiedWait(wait)
		}
	}
	return blocked(r, r.Resource, "qps %v+%d over threshold %v", used, in.AcquireCount, r.Threshold)
}

func occupyTimeoutMs(r *Rule) int64 {
	if r.MaxQueueingTimeMs > 0 {
		return r.MaxQueueingTimeMs
	}
	return defaultOccupyTimeoutMs
}

// throttlingController admits requests at a uniform rate, queueing each for
// at most MaxQueueingTimeMs.
type throttlingController struct {
	rule         Rule
	ts           clock.TimeSource
	latestPassed atomic.Int64
}

func (c *throttlingController) Rule() *Rule { return &c.rule }

func (c *throttlingController) Check(_ *node.StatisticNode, in *Input) base.CheckResult {
	r := &c.rule
	if in.AcquireCount <= 0 {
		return base.Pass()
	}
	maxQueue := r.MaxQueueingTimeMs
	now := clock.Millis(c.ts)
	cost := int64(math.Round(float64(in.AcquireCount) / r.Threshold * 1000))
	latest := c.latestPassed.Load()
	if latest+cost <= now {
		if c.latestPassed.CompareAndSwap(latest, now) {
			return base.Pass()
		}
		latest = c.latestPassed.Load()
	}
	if latest+cost-now > maxQueue {
		return blocked(r, r.Resource, "queueing time over %dms", maxQueue)
	}
	expected := c.latestPassed.Add(cost)
	wait := expected - now
	if wait > maxQueue {
		c.latestPassed.Sub(cost)
		return blocked(r, r.Resource, "queueing time %dms over %dms", wait, maxQueue)
	}
	if wait <= 0 {
		return base.Pass()
	}
	return base.Wait(wait)
}

// warmUpController limits QPS to a threshold that rises from
// threshold/coldFactor to threshold as stored tokens are used up. Tokens
// accumulate while traffic is low.
type warmUpController struct {
	rule         Rule
	ts           clock.TimeSource
	coldFactor   int64
	warningToken int64
	maxToken     int64
	slope        float64

	storedTokens   atomic.Int64
	lastFilledTime atomic.Int64
}

func newWarmUpController(r Rule, ts clock.TimeSource) *warmUpController {
	cold := r.coldFactor()
	period := float64(r.WarmUpPeriodSec)
	warning := int64(period*r.Threshold) / (cold - 1)
	maxToken := warning + int64(2*period*r.Threshold/(1.0+float64(cold)))
	c := &warmUpController{
		rule:         r,
		ts:           ts,
		coldFactor:   cold,
		warningToken: warning,
		maxToken:     maxToken,
	}
	if maxToken > warning {
		c.slope = (float64(cold) - 1.0) / r.Threshold / float64(maxToken-warning)
	}
	return c
}

func (c *warmUpController) Rule() *Rule { return &c.rule }

func (c *warmUpController) Check(stats *node.StatisticNode, in *Input) base.CheckResult {
	r := &c.rule
	passQPS := int64(stats.PassQPS())
	c.syncTokens(int64(stats.PreviousPassQPS()))

	limit := r.Threshold
	if rest := c.storedTokens.Load(); rest >= c.warningToken {
		above := float64(rest - c.warningToken)
		limit = math.Nextafter(1.0/(above*c.slope+1.0/r.Threshold), math.Inf(1))
	}
	if float64(passQPS+in.AcquireCount) <= limit {
		return base.Pass()
	}
	return blocked(r, r.Resource, "qps %d+%d over warm-up threshold %.2f", passQPS, in.AcquireCount, limit)
}

// syncTokens refills and drains the stored tokens once per second.
func (c *warmUpController) syncTokens(prevQPS int64) {
	now := clock.Millis(c.ts)
	now -= now % 1000
	last := c.lastFilledTime.Load()
	if now <= last {
		return
	}
	old := c.storedTokens.Load()
	if !c.storedTokens.CompareAndSwap(old, c.coolDown(old, now, last, prevQPS)) {
		return
	}
	if cur := c.storedTokens.Sub(prevQPS); cur < 0 {
		c.storedTokens.Store(0)
	}
	c.lastFilledTime.Store(now)
}

func (c *warmUpController) coolDown(old, now, last, prevQPS int64) int64 {
	refill := old + int64(float64(now-last)*c.rule.Threshold/1000)
	v := old
	switch {
	case old < c.warningToken:
		v = refill
	case old > c.warningToken:
		if float64(prevQPS) < float64(int64(c.rule.Threshold))/float64(c.coldFactor) {
			v = refill
		}
	}
	if v > c.maxToken {
		return c.maxToken
	}
	return v
}

// bucketController admits requests from a token bucket.
type bucketController struct {
	rule   Rule
	bucket quota.TokenBucket
}

func (c *bucketController) Rule() *Rule { return &c.rule }

func (c *bucketController) Check(_ *node.StatisticNode, in *Input) base.CheckResult {
	if c.bucket.TryConsume(in.AcquireCount) {
		return base.Pass()
	}
	r := &c.rule
	return blocked(r, r.Resource, "%d tokens unavailable, %d left", in.AcquireCount, c.bucket.Tokens())
}

// paramController limits the QPS of each value of one argument.
type paramController struct {
	rule   Rule
	metric *stat.ParamMetric
}

func newParamController(r Rule, ts clock.TimeSource) (*paramController, error) {
	m, err := stat.NewParamMetric(defaultParamSampleCount, r.statIntervalMs(), defaultParamCapacity, ts)
	if err != nil {
		return nil, err
	}
	return &paramController{rule: r, metric: m}, nil
}

func (c *paramController) Rule() *Rule { return &c.rule }

func (c *paramController) Check(_ *node.StatisticNode, in *Input) base.CheckResult {
	r := &c.rule
	value, ok := paramValue(in.Args, r.ParamIndex)
	if !ok {
		return base.Pass()
	}
	limit := r.Threshold * float64(r.statIntervalMs()) / 1000
	if used := c.metric.Pass(value); float64(used+in.AcquireCount) > limit {
		return blocked(r, r.Resource, "value %q: %d+%d over %v", value, used, in.AcquireCount, limit)
	}
	c.metric.AddPass(value, in.AcquireCount)
	return base.Pass()
}

// paramValue returns the string form of args[idx].
func paramValue(args []interface{}, idx int) (string, bool) {
	if idx < 0 || idx >= len(args) || args[idx] == nil {
		return "", false
	}
	if s, ok := args[idx].(string); ok {
		return s, true
	}
	return fmt.Sprint(args[idx]), true
}
