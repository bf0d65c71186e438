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
	"strings"

	"gopkg.in/yaml.v2"
)

// Rule documents name enum values, e.g. "grade: QPS". Integers are accepted
// too.

func unmarshalEnum(unmarshal func(interface{}) error, names map[int]string, kind string) (int, error) {
	var n int
	if err := unmarshal(&n); err == nil {
		if _, ok := names[n]; !ok {
			return 0, fmt.Errorf("invalid %s %d", kind, n)
		}
		return n, nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return 0, fmt.Errorf("%s must be a name or an integer: %v", kind, err)
	}
	for v, name := range names {
		if strings.EqualFold(name, s) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}

func intNames[T ~int](m map[T]string) map[int]string {
	r := make(map[int]string, len(m))
	for k, v := range m {
		r[int(k)] = v
	}
	return r
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (g *Grade) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v, err := unmarshalEnum(unmarshal, intNames(gradeNames), "grade")
	if err != nil {
		return err
	}
	*g = Grade(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (g Grade) MarshalYAML() (interface{}, error) { return g.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ControlBehavior) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v, err := unmarshalEnum(unmarshal, intNames(behaviorNames), "control behavior")
	if err != nil {
		return err
	}
	*b = ControlBehavior(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ControlBehavior) MarshalYAML() (interface{}, error) { return b.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *ThresholdType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v, err := unmarshalEnum(unmarshal, intNames(thresholdTypeNames), "threshold type")
	if err != nil {
		return err
	}
	*t = ThresholdType(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (t ThresholdType) MarshalYAML() (interface{}, error) { return t.String(), nil }

// ParseRules decodes a YAML (or JSON) list of rules. It does not validate
// them; RuleManager.LoadRules filters invalid rules.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := yaml.UnmarshalStrict(data, &rules); err != nil {
		return nil, fmt.Errorf("flow: parsing rules: %v", err)
	}
	return rules, nil
}

// MarshalRules encodes rules as a YAML document accepted by ParseRules.
func MarshalRules(rules []Rule) ([]byte, error) {
	return yaml.Marshal(rules)
}
