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

// Package node implements the statistic node hierarchy recorded by the
// admission pipeline: a node per (context, resource), a node per caller
// origin, and one cluster-wide node per resource aggregating them all.
package node

import (
	"fmt"

	"github.com/sluice-dev/sluice/stat"
	"github.com/sluice-dev/sluice/util/clock"
	"go.uber.org/atomic"
)

const (
	// DefaultSampleCount is the number of buckets of the per-second metric.
	DefaultSampleCount = 2
	// DefaultIntervalMs is the span of the per-second metric.
	DefaultIntervalMs = 1000

	minuteSampleCount = 60
	minuteIntervalMs  = 60 * 1000
)

// StatisticNode keeps the sliding-window statistics of one node: a fine
// grained per-second metric used for admission decisions, a per-minute metric
// for reporting, and the number of requests currently inside.
type StatisticNode struct {
	second  *stat.WindowMetric
	minute  *stat.WindowMetric
	threads atomic.Int64
}

// NewStatisticNode creates a node with sampleCount buckets over intervalMs.
func NewStatisticNode(sampleCount int, intervalMs int64, ts clock.TimeSource) (*StatisticNode, error) {
	second, err := stat.NewWindowMetric(sampleCount, intervalMs, ts)
	if err != nil {
		return nil, fmt.Errorf("node: %v", err)
	}
	minute, err := stat.NewWindowMetric(minuteSampleCount, minuteIntervalMs, ts)
	if err != nil {
		return nil, fmt.Errorf("node: %v", err)
	}
	return &StatisticNode{second: second, minute: minute}, nil
}

// Metric returns the per-second metric.
func (n *StatisticNode) Metric() *stat.WindowMetric { return n.second }

// AddPass records count passed requests.
func (n *StatisticNode) AddPass(count int64) {
	n.second.AddPass(count)
	n.minute.AddPass(count)
}

// AddBlock records count blocked requests.
func (n *StatisticNode) AddBlock(count int64) {
	n.second.AddBlock(count)
	n.minute.AddBlock(count)
}

// AddRtAndSuccess records count completed requests which took rt ms.
func (n *StatisticNode) AddRtAndSuccess(rt, count int64) {
	n.second.AddSuccess(count)
	n.second.AddRt(rt)
	n.minute.AddSuccess(count)
	n.minute.AddRt(rt)
}

// AddException records count requests which completed with an error.
func (n *StatisticNode) AddException(count int64) {
	n.second.AddException(count)
	n.minute.AddException(count)
}

// AddOccupiedPass records count passes of an entry whose per-second pass
// was charged ahead of time by WindowMetric.Occupy.
func (n *StatisticNode) AddOccupiedPass(count int64) {
	n.minute.AddPass(count)
	n.minute.AddOccupied(count)
}

// IncThreads records a request entering the node.
func (n *StatisticNode) IncThreads() { n.threads.Inc() }

// DecThreads records a request leaving the node.
func (n *StatisticNode) DecThreads() { n.threads.Dec() }

// CurThreads returns the number of requests inside the node.
func (n *StatisticNode) CurThreads() int64 { return n.threads.Load() }

// PassQPS returns the pass rate over the last interval.
func (n *StatisticNode) PassQPS() float64 { return n.second.QPS(stat.MetricEventPass) }

// BlockQPS returns the block rate over the last interval.
func (n *StatisticNode) BlockQPS() float64 { return n.second.QPS(stat.MetricEventBlock) }

// SuccessQPS returns the completion rate over the last interval.
func (n *StatisticNode) SuccessQPS() float64 { return n.second.QPS(stat.MetricEventComplete) }

// ExceptionQPS returns the error rate over the last interval.
func (n *StatisticNode) ExceptionQPS() float64 { return n.second.QPS(stat.MetricEventError) }

// OccupiedPassQPS returns the rate of passes granted ahead of time.
func (n *StatisticNode) OccupiedPassQPS() float64 { return n.second.QPS(stat.MetricEventOccupied) }

// PreviousPassQPS returns the pass rate of the previous window alone.
func (n *StatisticNode) PreviousPassQPS() float64 {
	return float64(n.second.PreviousWindow(stat.MetricEventPass)) * 1000.0 / float64(n.second.WindowLengthMs())
}

// AvgRt returns the mean response time over the last interval.
func (n *StatisticNode) AvgRt() float64 { return n.second.AvgRt() }

// MinRt returns the smallest response time over the last interval.
func (n *StatisticNode) MinRt() int64 { return n.second.MinRt() }

// TotalPass returns the passes over the last minute.
func (n *StatisticNode) TotalPass() int64 { return n.minute.Pass() }

// TotalBlock returns the blocks over the last minute.
func (n *StatisticNode) TotalBlock() int64 { return n.minute.Block() }

// TotalSuccess returns the completions over the last minute.
func (n *StatisticNode) TotalSuccess() int64 { return n.minute.Success() }

// TotalException returns the errors over the last minute.
func (n *StatisticNode) TotalException() int64 { return n.minute.Exception() }

// Set is the group of nodes a single entry records into. Nil members are
// skipped.
type Set []*StatisticNode

// IncThreads increments the thread count of every node.
func (s Set) IncThreads() {
	for _, n := range s {
		if n != nil {
			n.IncThreads()
		}
	}
}

// DecThreads decrements the thread count of every node.
func (s Set) DecThreads() {
	for _, n := range s {
		if n != nil {
			n.DecThreads()
		}
	}
}

// AddPass records count passes on every node.
func (s Set) AddPass(count int64) {
	for _, n := range s {
		if n != nil {
			n.AddPass(count)
		}
	}
}

// AddBlock records count blocks on every node.
func (s Set) AddBlock(count int64) {
	for _, n := range s {
		if n != nil {
			n.AddBlock(count)
		}
	}
}

// AddRtAndSuccess records count completions taking rt on every node.
func (s Set) AddRtAndSuccess(rt, count int64) {
	for _, n := range s {
		if n != nil {
			n.AddRtAndSuccess(rt, count)
		}
	}
}

// AddException records count errors on every node.
func (s Set) AddException(count int64) {
	for _, n := range s {
		if n != nil {
			n.AddException(count)
		}
	}
}

// AddPassCharged records count passes on every node. Members of charged
// already hold the pass in their per-second metric and record it with
// AddOccupiedPass instead.
func (s Set) AddPassCharged(count int64, charged []*StatisticNode) {
next:
	for _, n := range s {
		if n == nil {
			continue
		}
		for _, c := range charged {
			if c == n {
				n.AddOccupiedPass(count)
				continue next
			}
		}
		n.AddPass(count)
	}
}
