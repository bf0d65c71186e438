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

// Package envoyrls serves the Envoy rate limit service (RLS v3) from a token
// server. Each descriptor of a request maps to the flow id of a cluster QPS
// rule; descriptors without a rule are not limited.
package envoyrls

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/sluice-dev/sluice/datasource"
	"github.com/sluice-dev/sluice/flow"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Entry is one key/value pair of a rate limit descriptor.
type Entry struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Descriptor limits the requests carrying all of Entries to Count per
// second across the cluster.
type Descriptor struct {
	Entries []Entry `yaml:"resources"`
	Count   float64 `yaml:"count"`
}

// Rule holds the limits of one rate limit domain.
type Rule struct {
	Domain      string       `yaml:"domain"`
	Descriptors []Descriptor `yaml:"descriptors"`
}

// DescriptorKey returns the canonical name of a descriptor of domain: the
// domain followed by the entries sorted by key, then value.
func DescriptorKey(domain string, entries []Entry) string {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].Value < sorted[j].Value
	})
	var b strings.Builder
	b.WriteString(domain)
	for _, e := range sorted {
		fmt.Fprintf(&b, "|%s:%s", e.Key, e.Value)
	}
	return b.String()
}

// FlowID returns the flow id of a descriptor key: its 64-bit FNV-1a hash,
// folded to a positive int64.
func FlowID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	id := int64(h.Sum64() & math.MaxInt64)
	if id == 0 {
		id = 1
	}
	return id
}

// FlowRules converts r into global cluster QPS rules, one per descriptor.
func (r Rule) FlowRules() []flow.Rule {
	rules := make([]flow.Rule, 0, len(r.Descriptors))
	for _, d := range r.Descriptors {
		key := DescriptorKey(r.Domain, d.Entries)
		rules = append(rules, flow.Rule{
			Resource:    key,
			Threshold:   d.Count,
			ClusterMode: true,
			ClusterConfig: flow.ClusterConfig{
				FlowID:        FlowID(key),
				ThresholdType: flow.Global,
			},
		})
	}
	return rules
}

// LoadRules replaces the rules of each domain of rules, using the domain as
// the namespace, and clears the domains in stale that rules no longer
// names. It returns the loaded domains.
func LoadRules(m *flow.RuleManager, rules []Rule, stale []string) []string {
	byDomain := make(map[string][]flow.Rule)
	for _, r := range rules {
		if r.Domain == "" {
			klog.Warningf("Ignoring rate limit rule without domain")
			continue
		}
		byDomain[r.Domain] = append(byDomain[r.Domain], r.FlowRules()...)
	}
	domains := make([]string, 0, len(byDomain))
	for d, rs := range byDomain {
		m.LoadRules(d, rs)
		domains = append(domains, d)
	}
	for _, d := range stale {
		if _, ok := byDomain[d]; !ok {
			m.LoadRules(d, nil)
		}
	}
	sort.Strings(domains)
	return domains
}

// ParseRules decodes a YAML list of rate limit rules.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := yaml.UnmarshalStrict(data, &rules); err != nil {
		return nil, fmt.Errorf("envoyrls: parsing rules: %v", err)
	}
	return rules, nil
}

// Handler returns a datasource.Handler loading rate limit rule documents
// into m. Domains dropped from a document are cleared.
func Handler(m *flow.RuleManager) datasource.Handler {
	var (
		mu      sync.Mutex
		domains []string
	)
	return func(data []byte) error {
		rules, err := ParseRules(data)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		domains = LoadRules(m, rules, domains)
		return nil
	}
}
