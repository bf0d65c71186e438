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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadRules(t *testing.T) {
	m := NewRuleManager(nil)
	type call struct {
		scope string
		rules []Rule
	}
	var calls []call
	m.AddObserver(func(scope string, rules []Rule) {
		calls = append(calls, call{scope, rules})
	})
	var order []string
	m.AddObserver(func(scope string, _ []Rule) { order = append(order, "second:"+scope) })

	a := Rule{Resource: "a", Threshold: 1}
	b := Rule{Resource: "b", Threshold: 2}
	invalid := Rule{Resource: "", Threshold: 1}

	if !m.LoadRules("file", []Rule{a, invalid, b, a}) {
		t.Fatal("LoadRules(first)=false, want true")
	}
	if diff := cmp.Diff([]Rule{a, b}, m.Rules("file")); diff != "" {
		t.Errorf("Rules() diff (-want +got):\n%s", diff)
	}
	if m.LoadRules("file", []Rule{a, b}) {
		t.Error("LoadRules(same)=true, want false")
	}
	if !m.HasRules("a") || m.HasRules("c") {
		t.Errorf("HasRules(a)=%v HasRules(c)=%v, want true, false", m.HasRules("a"), m.HasRules("c"))
	}

	ctrl := m.Controllers("a")[0]
	if !m.LoadRules("file", []Rule{a}) {
		t.Fatal("LoadRules(a)=false, want true")
	}
	if got := m.Controllers("a")[0]; got != ctrl {
		t.Error("controller of an unchanged rule was replaced")
	}
	if m.HasRules("b") {
		t.Error("rules of b survived a full replacement")
	}

	if !m.LoadRules("file", nil) {
		t.Fatal("LoadRules(nil)=false, want true")
	}
	if got := m.Scopes(); len(got) != 0 {
		t.Errorf("Scopes()=%v, want none", got)
	}

	want := []call{{"file", []Rule{a, b}}, {"file", []Rule{a}}, {"file", nil}}
	if diff := cmp.Diff(want, calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("observer calls diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"second:file", "second:file", "second:file"}, order); diff != "" {
		t.Errorf("second observer diff (-want +got):\n%s", diff)
	}
}

func TestLoadRulesScopes(t *testing.T) {
	m := NewRuleManager(nil)
	a := Rule{Resource: "r", Threshold: 1}
	b := Rule{Resource: "r", Threshold: 2, ClusterMode: true, ClusterConfig: ClusterConfig{FlowID: 7}}
	m.LoadRules("etcd", []Rule{b})
	m.LoadRules("file", []Rule{a})

	if got := len(m.Controllers("r")); got != 2 {
		t.Errorf("len(Controllers(r))=%d, want 2", got)
	}
	if diff := cmp.Diff([]string{"etcd", "file"}, m.Scopes()); diff != "" {
		t.Errorf("Scopes() diff (-want +got):\n%s", diff)
	}
	r, scope, ok := m.RuleByFlowID(7)
	if !ok || scope != "etcd" || r != b {
		t.Errorf("RuleByFlowID(7)=%v,%q,%v, want %v,\"etcd\",true", r, scope, ok, b)
	}
	if _, _, ok := m.RuleByFlowID(8); ok {
		t.Error("RuleByFlowID(8) found a rule")
	}
	if diff := cmp.Diff([]int64{7}, m.FlowIDs("etcd")); diff != "" {
		t.Errorf("FlowIDs() diff (-want +got):\n%s", diff)
	}

	m.LoadRules("etcd", nil)
	if _, _, ok := m.RuleByFlowID(7); ok {
		t.Error("RuleByFlowID(7) survived clearing its scope")
	}
	m.Clear()
	if m.HasRules("r") {
		t.Error("HasRules(r) after Clear()")
	}
}
