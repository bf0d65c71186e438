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

// Package testonly holds conformance tests of monitoring.MetricFactory
// implementations.
package testonly

import (
	"testing"

	"github.com/sluice-dev/sluice/monitoring"
)

// shapes are the label sets every metric kind is tested with.
var shapes = []struct {
	suffix string
	names  []string
	vals   []string
	other  []string
}{
	{suffix: "0"},
	{suffix: "1", names: []string{"status"}, vals: []string{"OK"}, other: []string{"Blocked"}},
	{suffix: "2", names: []string{"method", "status"}, vals: []string{"RequestToken", "OK"}, other: []string{"RequestToken", "Blocked"}},
}

// bogus returns vals with one label too many.
func bogus(vals []string) []string {
	return append(append([]string(nil), vals...), "bogus")
}

// TestCounter runs a test on a Counter produced from the provided MetricFactory.
func TestCounter(t *testing.T, factory monitoring.MetricFactory) {
	for _, s := range shapes {
		name := "test_counter" + s.suffix
		c := factory.NewCounter(name, "Test only", s.names...)
		check := func(step string, vals []string, want float64) {
			t.Helper()
			if got := c.Value(vals...); got != want {
				t.Errorf("%s: %s%v.Value()=%v; want %v", step, name, vals, got, want)
			}
		}
		check("new", s.vals, 0)
		c.Inc(s.vals...)
		check("Inc", s.vals, 1)
		c.Add(2.5, s.vals...)
		check("Add", s.vals, 3.5)
		if s.other != nil {
			check("other labels", s.other, 0)
		}
		c.Add(10, bogus(s.vals)...)
		c.Inc(bogus(s.vals)...)
		check("bad labels", bogus(s.vals), 0)
		check("after bad labels", s.vals, 3.5)
	}
}

// TestGauge runs a test on a Gauge produced from the provided MetricFactory.
func TestGauge(t *testing.T, factory monitoring.MetricFactory) {
	for _, s := range shapes {
		name := "test_gauge" + s.suffix
		g := factory.NewGauge(name, "Test only", s.names...)
		check := func(step string, vals []string, want float64) {
			t.Helper()
			if got := g.Value(vals...); got != want {
				t.Errorf("%s: %s%v.Value()=%v; want %v", step, name, vals, got, want)
			}
		}
		check("new", s.vals, 0)
		g.Inc(s.vals...)
		check("Inc", s.vals, 1)
		g.Dec(s.vals...)
		check("Dec", s.vals, 0)
		g.Add(2.5, s.vals...)
		check("Add", s.vals, 2.5)
		g.Set(42, s.vals...)
		check("Set", s.vals, 42)
		if s.other != nil {
			check("other labels", s.other, 0)
		}
		g.Add(10, bogus(s.vals)...)
		g.Inc(bogus(s.vals)...)
		g.Dec(bogus(s.vals)...)
		g.Set(120, bogus(s.vals)...)
		check("bad labels", bogus(s.vals), 0)
		check("after bad labels", s.vals, 42)
	}
}

// TestHistogram runs a test on a Histogram produced from the provided MetricFactory.
func TestHistogram(t *testing.T, factory monitoring.MetricFactory) {
	for _, s := range shapes {
		name := "test_histogram" + s.suffix
		h := factory.NewHistogram(name, "Test only", s.names...)
		check := func(step string, vals []string, wantCount uint64, wantSum float64) {
			t.Helper()
			if count, sum := h.Info(vals...); count != wantCount || sum != wantSum {
				t.Errorf("%s: %s%v.Info()=%v,%v; want %v,%v", step, name, vals, count, sum, wantCount, wantSum)
			}
		}
		check("new", s.vals, 0, 0)
		for _, v := range []float64{1, 2, 3} {
			h.Observe(v, s.vals...)
		}
		check("Observe", s.vals, 3, 6)
		h.Observe(100, bogus(s.vals)...)
		check("bad labels", bogus(s.vals), 0, 0)
		check("after bad labels", s.vals, 3, 6)
	}
}
