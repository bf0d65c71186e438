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
	"sort"
	"sync"

	"github.com/sluice-dev/sluice/stat"
	"github.com/sluice-dev/sluice/util/clock"
	"k8s.io/klog/v2"
)

// FlowMetric aggregates the token requests of one flow across all clients.
type FlowMetric struct {
	*stat.WindowMetric
	params *stat.ParamMetric
}

// Params returns the per-value pass counters of the flow.
func (m *FlowMetric) Params() *stat.ParamMetric { return m.params }

// MetricRegistry holds the metric of each flow id, created on first use.
type MetricRegistry struct {
	ts            clock.TimeSource
	paramCapacity int

	mu      sync.RWMutex
	metrics map[int64]*FlowMetric
}

// NewMetricRegistry creates an empty registry.
func NewMetricRegistry(ts clock.TimeSource) *MetricRegistry {
	if ts == nil {
		ts = clock.System
	}
	return &MetricRegistry{ts: ts, paramCapacity: stat.DefaultParamCapacity, metrics: make(map[int64]*FlowMetric)}
}

// Get returns the metric of flowID with the given shape, replacing an
// existing metric of another shape.
func (r *MetricRegistry) Get(flowID int64, sampleCount int, intervalMs int64) (*FlowMetric, error) {
	r.mu.RLock()
	m, ok := r.metrics[flowID]
	r.mu.RUnlock()
	if ok && m.SampleCount() == sampleCount && m.IntervalMs() == intervalMs {
		return m, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[flowID]; ok {
		if m.SampleCount() == sampleCount && m.IntervalMs() == intervalMs {
			return m, nil
		}
		klog.V(1).Infof("Resetting metric of flow %d to %d samples over %dms", flowID, sampleCount, intervalMs)
	}
	wm, err := stat.NewWindowMetric(sampleCount, intervalMs, r.ts)
	if err != nil {
		return nil, err
	}
	pm, err := stat.NewParamMetric(sampleCount, intervalMs, r.paramCapacity, r.ts)
	if err != nil {
		return nil, err
	}
	m = &FlowMetric{WindowMetric: wm, params: pm}
	r.metrics[flowID] = m
	return m, nil
}

// Lookup returns the metric of flowID, if any.
func (r *MetricRegistry) Lookup(flowID int64) (*FlowMetric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[flowID]
	return m, ok
}

// Remove drops the metric of flowID.
func (r *MetricRegistry) Remove(flowID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metrics, flowID)
}

// Retain drops the metrics of flow ids for which keep returns false.
func (r *MetricRegistry) Retain(keep func(flowID int64) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.metrics {
		if !keep(id) {
			delete(r.metrics, id)
		}
	}
}

// Reset drops every metric.
func (r *MetricRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[int64]*FlowMetric)
}

// FlowIDs returns the sorted flow ids with a metric.
func (r *MetricRegistry) FlowIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.metrics))
	for id := range r.metrics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
