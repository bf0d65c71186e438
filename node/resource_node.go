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
)

// ResourceNode is the cluster-wide node of a resource. It aggregates every
// entry of the resource regardless of context, and owns the per-origin nodes.
type ResourceNode struct {
	*StatisticNode
	resource  string
	entryType base.EntryType
	newNode   func() *StatisticNode

	mu      sync.RWMutex
	origins map[string]*StatisticNode
}

// Resource returns the resource name.
func (n *ResourceNode) Resource() string { return n.resource }

// EntryType returns the direction the node was created for.
func (n *ResourceNode) EntryType() base.EntryType { return n.entryType }

// OriginNode returns the node of origin, creating it on first use. An empty
// origin has no node.
func (n *ResourceNode) OriginNode(origin string) *StatisticNode {
	if origin == "" {
		return nil
	}
	n.mu.RLock()
	on, ok := n.origins[origin]
	n.mu.RUnlock()
	if ok {
		return on
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if on, ok := n.origins[origin]; ok {
		return on
	}
	on = n.newNode()
	n.origins[origin] = on
	return on
}

// LookupOrigin returns the node of origin if it exists.
func (n *ResourceNode) LookupOrigin(origin string) (*StatisticNode, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	on, ok := n.origins[origin]
	return on, ok
}

// Origins returns the sorted names of the origins seen so far.
func (n *ResourceNode) Origins() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ret := make([]string, 0, len(n.origins))
	for o := range n.origins {
		ret = append(ret, o)
	}
	sort.Strings(ret)
	return ret
}

// DefaultNode is the node of a resource within one invocation context. Its
// statistics are a subset of its resource node's.
type DefaultNode struct {
	*StatisticNode
	context  string
	resource *ResourceNode
}

// Context returns the context name.
func (n *DefaultNode) Context() string { return n.context }

// ResourceNode returns the cluster-wide node of the same resource.
func (n *DefaultNode) ResourceNode() *ResourceNode { return n.resource }
