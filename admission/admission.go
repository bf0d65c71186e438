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

// Package admission is the admission pipeline. Adapters bracket each
// protected call with Engine.Entry and Entry.Exit; the engine records the
// call in the statistic nodes and applies the flow rules of its resource.
package admission

import (
	"context"
	"fmt"

	"github.com/sluice-dev/sluice/base"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/monitoring"
	"github.com/sluice-dev/sluice/node"
	"github.com/sluice-dev/sluice/util/clock"
	"k8s.io/klog/v2"
)

// DefaultContextName is the context of entries which do not name one.
const DefaultContextName = "sluice_default_context"

// Options configures an Engine.
type Options struct {
	// Nodes shapes the statistic nodes. Its TimeSource is replaced by
	// TimeSource.
	Nodes node.Options
	// Rules holds the flow rules. If nil the engine creates an empty
	// manager.
	Rules *flow.RuleManager
	// TokenService decides cluster-mode rules. It may be nil, or assigned
	// later with SetTokenService.
	TokenService  cluster.TokenService
	TimeSource    clock.TimeSource
	MetricFactory monitoring.MetricFactory
}

// Engine is an admission engine. It owns the node registry and the rules of
// a process; tests create one per case.
type Engine struct {
	ts      clock.TimeSource
	reg     *node.Registry
	rules   *flow.RuleManager
	checker *flow.Checker

	entries monitoring.Counter
	rt      monitoring.Histogram
}

// NewEngine creates an engine.
func NewEngine(opts Options) (*Engine, error) {
	ts := opts.TimeSource
	if ts == nil {
		ts = clock.System
	}
	nopts := opts.Nodes
	nopts.TimeSource = ts
	reg, err := node.NewRegistry(nopts)
	if err != nil {
		return nil, fmt.Errorf("admission: %v", err)
	}
	rules := opts.Rules
	if rules == nil {
		rules = flow.NewRuleManager(ts)
	}
	mf := monitoring.OrInert(opts.MetricFactory)
	return &Engine{
		ts:      ts,
		reg:     reg,
		rules:   rules,
		checker: flow.NewChecker(rules, opts.TokenService, ts),
		entries: mf.NewCounter("admission_entries", "Entries by resource and verdict", "resource", "verdict"),
		rt:      mf.NewHistogramWithBuckets("admission_rt_ms", "Response time of passed entries in milliseconds", monitoring.MillisBuckets(), "resource"),
	}, nil
}

// Rules returns the rule manager of the engine.
func (e *Engine) Rules() *flow.RuleManager { return e.rules }

// Registry returns the node registry of the engine.
func (e *Engine) Registry() *node.Registry { return e.reg }

// SetTokenService replaces the token service used by cluster-mode rules.
func (e *Engine) SetTokenService(s cluster.TokenService) { e.checker.SetTokenService(s) }

// Entry admits or rejects one call of resource. A rejection is returned as
// a *base.BlockError. A passed entry must be exited exactly once; further
// Exit calls are ignored.
func (e *Engine) Entry(ctx context.Context, resource string, opts ...EntryOption) (*Entry, error) {
	o := entryOptions{
		entryType:    base.Inbound,
		acquireCount: 1,
		contextName:  DefaultContextName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	en := &Entry{engine: e, resource: resource, count: o.acquireCount, start: clock.Millis(e.ts)}

	rn := e.reg.ResourceNode(resource, o.entryType)
	if rn == nil {
		// Over the resource limit: neither recorded nor checked.
		return en, nil
	}
	dn := e.reg.DefaultNode(o.contextName, resource, o.entryType)
	on := rn.OriginNode(o.origin)
	en.nodes = node.Set{dn.StatisticNode, rn.StatisticNode, on}
	if o.entryType == base.Inbound {
		en.nodes = append(en.nodes, e.reg.InboundNode())
	}

	en.nodes.IncThreads()
	in := &flow.Input{
		Resource:     rn,
		Origin:       o.origin,
		OriginNode:   on,
		AcquireCount: o.acquireCount,
		Prioritized:  o.prioritized,
		Args:         o.args,
	}
	leases, berr := e.checker.Check(ctx, in)
	if berr != nil {
		en.nodes.AddBlock(o.acquireCount)
		en.nodes.DecThreads()
		e.entries.Inc(resource, "block")
		klog.V(2).Infof("Blocked %s: %v", resource, berr)
		return nil, berr
	}
	en.leases = leases
	en.nodes.AddPassCharged(o.acquireCount, in.Charged())
	e.entries.Inc(resource, "pass")
	return en, nil
}
