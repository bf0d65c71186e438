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

package node

import (
	"sort"
	"sync"

	"github.com/sluice-dev/sluice/base"
	"github.com/sluice-dev/sluice/util/clock"
	"k8s.io/klog/v2"
)

// DefaultMaxResources bounds the number of resources a Registry tracks.
const DefaultMaxResources = 6000

// Options configures a Registry.
type Options struct {
	// SampleCount and IntervalMs shape the per-second metric of every node.
	// Zero values select DefaultSampleCount and DefaultIntervalMs.
	SampleCount int
	IntervalMs  int64
	// MaxResources bounds the number of resource nodes; entries for further
	// resources are not recorded. Zero selects DefaultMaxResources.
	MaxResources int
	TimeSource   clock.TimeSource
}

type contextKey struct {
	context  string
	resource string
}

// Registry owns every node of an admission engine. Nodes are created lazily
// and live until Reset.
type Registry struct {
	opts    Options
	inbound *StatisticNode

	mu        sync.RWMutex
	resources map[string]*ResourceNode
	defaults  map[contextKey]*DefaultNode
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.SampleCount == 0 {
		opts.SampleCount = DefaultSampleCount
	}
	if opts.IntervalMs == 0 {
		opts.IntervalMs = DefaultIntervalMs
	}
	if opts.MaxResources == 0 {
		opts.MaxResources = DefaultMaxResources
	}
	if opts.TimeSource == nil {
		opts.TimeSource = clock.System
	}
	inbound, err := NewStatisticNode(opts.SampleCount, opts.IntervalMs, opts.TimeSource)
	if err != nil {
		return nil, err
	}
	return &Registry{
		opts:      opts,
		inbound:   inbound,
		resources: make(map[string]*ResourceNode),
		defaults:  make(map[contextKey]*DefaultNode),
	}, nil
}

// newNode creates a node with the registry's shape. The shape was validated
// by NewRegistry, so it cannot fail.
func (r *Registry) newNode() *StatisticNode {
	n, err := NewStatisticNode(r.opts.SampleCount, r.opts.IntervalMs, r.opts.TimeSource)
	if err != nil {
		klog.Fatalf("node shape validated at registry creation is invalid: %v", err)
	}
	return n
}

// InboundNode returns the node aggregating every inbound entry.
func (r *Registry) InboundNode() *StatisticNode { return r.inbound }

// ResourceNode returns the cluster-wide node of resource, creating it on
// first use. It returns nil once MaxResources is reached.
func (r *Registry) ResourceNode(resource string, entryType base.EntryType) *ResourceNode {
	r.mu.RLock()
	rn, ok := r.resources[resource]
	r.mu.RUnlock()
	if ok {
		return rn
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.resources[resource]; ok {
		return rn
	}
	if len(r.resources) >= r.opts.MaxResources {
		klog.Warningf("Resource limit %d reached, not tracking %q", r.opts.MaxResources, resource)
		return nil
	}
	rn = &ResourceNode{
		StatisticNode: r.newNode(),
		resource:      resource,
		entryType:     entryType,
		newNode:       r.newNode,
		origins:       make(map[string]*StatisticNode),
	}
	r.resources[resource] = rn
	return rn
}

// LookupResource returns the resource node if it exists.
func (r *Registry) LookupResource(resource string) (*ResourceNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.resources[resource]
	return rn, ok
}

// DefaultNode returns the node of resource within context, creating it and
// its resource node on first use. It returns nil once MaxResources is
// reached.
func (r *Registry) DefaultNode(context, resource string, entryType base.EntryType) *DefaultNode {
	key := contextKey{context: context, resource: resource}
	r.mu.RLock()
	dn, ok := r.defaults[key]
	r.mu.RUnlock()
	if ok {
		return dn
	}
	rn := r.ResourceNode(resource, entryType)
	if rn == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dn, ok := r.defaults[key]; ok {
		return dn
	}
	dn = &DefaultNode{StatisticNode: r.newNode(), context: context, resource: rn}
	r.defaults[key] = dn
	return dn
}

// Resources returns the sorted names of tracked resources.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]string, 0, len(r.resources))
	for name := range r.resources {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// Reset drops every node. Entries still in flight keep recording into the
// dropped nodes.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = make(map[string]*ResourceNode)
	r.defaults = make(map[contextKey]*DefaultNode)
}
