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
	"sort"
	"sync"

	"github.com/sluice-dev/sluice/util/clock"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"
)

// Observer is notified of the rules of a scope after each change.
type Observer func(scope string, rules []Rule)

// ruleSet is an immutable snapshot of the loaded rules.
type ruleSet struct {
	controllers map[Rule]Controller
	byResource  map[string][]Controller
	// origins holds the concrete origins named by the rules of a resource.
	origins map[string]map[string]bool
	byFlowID map[int64]scopedRule
}

type scopedRule struct {
	scope string
	rule  Rule
}

// RuleManager holds the rules loaded from each scope (typically one per rule
// source or namespace) and the controllers enforcing them. Readers see an
// immutable snapshot swapped on every change.
type RuleManager struct {
	ts clock.TimeSource

	mu        sync.Mutex
	scopes    map[string][]Rule
	observers []Observer

	current atomic.Pointer[ruleSet]
}

// NewRuleManager creates an empty manager whose controllers read time from
// ts.
func NewRuleManager(ts clock.TimeSource) *RuleManager {
	if ts == nil {
		ts = clock.System
	}
	m := &RuleManager{ts: ts, scopes: make(map[string][]Rule)}
	m.current.Store(&ruleSet{})
	return m
}

// AddObserver registers o. Observers run synchronously, in registration
// order, after every change.
func (m *RuleManager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// LoadRules replaces the rules of scope with the valid members of rules and
// reports whether anything changed. Invalid rules are logged and dropped. An
// empty list clears the scope.
func (m *RuleManager) LoadRules(scope string, rules []Rule) bool {
	valid := make([]Rule, 0, len(rules))
	seen := make(map[Rule]bool)
	for _, r := range rules {
		if err := ValidateRule(&r); err != nil {
			klog.Warningf("Ignoring invalid flow rule in scope %q: %v", scope, err)
			continue
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		valid = append(valid, r)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rulesEqual(m.scopes[scope], valid) {
		return false
	}
	if len(valid) == 0 {
		delete(m.scopes, scope)
	} else {
		m.scopes[scope] = valid
	}
	m.current.Store(m.build())
	klog.Infof("Loaded %d flow rules into scope %q", len(valid), scope)

	for _, o := range m.observers {
		o(scope, append([]Rule(nil), valid...))
	}
	return true
}

func rulesEqual(a, b []Rule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// build returns a snapshot of m.scopes, reusing the controllers of rules
// which did not change. m.mu must be held.
func (m *RuleManager) build() *ruleSet {
	prev := m.current.Load()
	rs := &ruleSet{
		controllers: make(map[Rule]Controller),
		byResource:  make(map[string][]Controller),
		origins:     make(map[string]map[string]bool),
		byFlowID:    make(map[int64]scopedRule),
	}
	for _, scope := range m.sortedScopes() {
		for _, r := range m.scopes[scope] {
			if _, dup := rs.controllers[r]; dup {
				continue
			}
			c, ok := prev.controllers[r]
			if !ok {
				var err error
				if c, err = NewController(r, m.ts); err != nil {
					klog.Warningf("Ignoring flow rule %s: %v", r.RuleID(), err)
					continue
				}
			}
			rs.controllers[r] = c
			rs.byResource[r.Resource] = append(rs.byResource[r.Resource], c)
			if o := r.limitOrigin(); o != LimitOriginDefault && o != LimitOriginOther {
				if rs.origins[r.Resource] == nil {
					rs.origins[r.Resource] = make(map[string]bool)
				}
				rs.origins[r.Resource][o] = true
			}
			if r.ClusterMode {
				if old, ok := rs.byFlowID[r.ClusterConfig.FlowID]; ok {
					klog.Warningf("Flow id %d of rule %s already used by rule %s", r.ClusterConfig.FlowID, r.RuleID(), old.rule.RuleID())
					continue
				}
				rs.byFlowID[r.ClusterConfig.FlowID] = scopedRule{scope: scope, rule: r}
			}
		}
	}
	return rs
}

func (m *RuleManager) sortedScopes() []string {
	r := make([]string, 0, len(m.scopes))
	for s := range m.scopes {
		r = append(r, s)
	}
	sort.Strings(r)
	return r
}

// Rules returns the rules of scope.
func (m *RuleManager) Rules(scope string) []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rule(nil), m.scopes[scope]...)
}

// Scopes returns the sorted names of the scopes holding rules.
func (m *RuleManager) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedScopes()
}

// Controllers returns the controllers of resource's rules.
func (m *RuleManager) Controllers(resource string) []Controller {
	return m.current.Load().byResource[resource]
}

// HasRules reports whether any rule applies to resource.
func (m *RuleManager) HasRules(resource string) bool {
	return len(m.current.Load().byResource[resource]) > 0
}

// RuleByFlowID returns the cluster rule with the given flow id and the scope
// it was loaded into.
func (m *RuleManager) RuleByFlowID(flowID int64) (Rule, string, bool) {
	sr, ok := m.current.Load().byFlowID[flowID]
	return sr.rule, sr.scope, ok
}

// FlowIDs returns the sorted flow ids of the cluster rules of scope.
func (m *RuleManager) FlowIDs(scope string) []int64 {
	var ids []int64
	for id, sr := range m.current.Load().byFlowID {
		if sr.scope == scope {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// namedOrigin reports whether a rule of resource names origin.
func (m *RuleManager) namedOrigin(resource, origin string) bool {
	return m.current.Load().origins[resource][origin]
}

// Clear drops every scope without notifying observers.
func (m *RuleManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes = make(map[string][]Rule)
	m.current.Store(&ruleSet{})
}
