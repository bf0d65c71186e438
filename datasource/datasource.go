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

// Package datasource feeds rule documents from external stores into the
// rule managers. Sources are registered by name, see RegisterProvider, and
// deliver every version of a document to a Handler, which replaces the rules
// of a scope with the document's content.
package datasource

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/monitoring"
	"github.com/sluice-dev/sluice/util/clock"
	"k8s.io/klog/v2"
)

// DefaultPollInterval is how often polling sources look for changes.
const DefaultPollInterval = 3 * time.Second

// Handler applies one version of a rule document. A nil document means the
// document does not exist. An error leaves the previous rules in place.
type Handler func(data []byte) error

// Source delivers the versions of one rule document.
type Source interface {
	// Watch calls h with the current document, then with every change,
	// until ctx is done.
	Watch(ctx context.Context, h Handler) error
	// Close releases the resources of the source.
	Close() error
}

// Options configures a source created by NewSource.
type Options struct {
	// Target names the document: a file path, an etcd key or a SQL scope.
	Target string
	// Address locates the store, e.g. etcd endpoints or a database DSN.
	Address string
	// Driver selects the database driver of SQL sources.
	Driver        string
	PollInterval  time.Duration
	TimeSource    clock.TimeSource
	MetricFactory monitoring.MetricFactory
}

// NewSourceFunc creates a source.
type NewSourceFunc func(Options) (Source, error)

var (
	spMu     sync.RWMutex
	spByName = make(map[string]NewSourceFunc)
)

// RegisterProvider registers the source provider name.
func RegisterProvider(name string, f NewSourceFunc) error {
	spMu.Lock()
	defer spMu.Unlock()
	if _, exists := spByName[name]; exists {
		return fmt.Errorf("rule source provider %v already registered", name)
	}
	spByName[name] = f
	return nil
}

// NewSource returns a source of the provider name.
func NewSource(name string, opts Options) (Source, error) {
	spMu.RLock()
	f := spByName[name]
	spMu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("no such rule source provider %v", name)
	}
	return f(opts)
}

// Providers returns the sorted names of the registered providers.
func Providers() []string {
	spMu.RLock()
	defer spMu.RUnlock()
	r := make([]string, 0, len(spByName))
	for k := range spByName {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

// FlowRules returns a Handler loading flow rule documents into scope of m.
// A missing or empty document clears the scope.
func FlowRules(m *flow.RuleManager, scope string) Handler {
	return func(data []byte) error {
		rules, err := flow.ParseRules(data)
		if err != nil {
			return err
		}
		m.LoadRules(scope, rules)
		return nil
	}
}

// Poller implements Watch for stores without change notifications by
// fetching the document periodically.
type Poller struct {
	// Fetch returns the current document, or nil if it does not exist.
	Fetch      func(ctx context.Context) ([]byte, error)
	Interval   time.Duration
	TimeSource clock.TimeSource
	// Name identifies the source in logs and metrics.
	Name    string
	Updates monitoring.Counter
}

// NewPoller creates a poller of the source name with the settings of opts.
func NewPoller(name string, opts Options, fetch func(ctx context.Context) ([]byte, error)) *Poller {
	p := &Poller{
		Fetch:      fetch,
		Interval:   opts.PollInterval,
		TimeSource: opts.TimeSource,
		Name:       name,
		Updates:    UpdatesCounter(opts.MetricFactory),
	}
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.TimeSource == nil {
		p.TimeSource = clock.System
	}
	return p
}

var (
	updatesOnce sync.Once
	updates     monitoring.Counter
)

// UpdatesCounter returns the counter of rule documents received, by source
// and result. It is created with the factory of the first call.
func UpdatesCounter(mf monitoring.MetricFactory) monitoring.Counter {
	updatesOnce.Do(func() {
		updates = monitoring.OrInert(mf).NewCounter("rule_source_updates", "Rule documents received by source and result", "source", "result")
	})
	return updates
}

// Apply hands data to h and records the outcome.
func Apply(name string, c monitoring.Counter, h Handler, data []byte) {
	if err := h(data); err != nil {
		klog.Warningf("Rule source %s: keeping previous rules: %v", name, err)
		c.Inc(name, "rejected")
		return
	}
	klog.V(1).Infof("Rule source %s: applied %d bytes", name, len(data))
	c.Inc(name, "applied")
}

// Watch fetches the document every interval and hands it to h whenever it
// changed. Fetch errors are logged and retried.
func (p *Poller) Watch(ctx context.Context, h Handler) error {
	var last []byte
	first := true
	for {
		data, err := p.Fetch(ctx)
		switch {
		case err != nil:
			klog.Warningf("Rule source %s: %v", p.Name, err)
			p.Updates.Inc(p.Name, "error")
		case first || !bytes.Equal(data, last) || (data == nil) != (last == nil):
			Apply(p.Name, p.Updates, h, data)
			last, first = data, false
		}
		if err := clock.SleepSource(ctx, p.Interval, p.TimeSource); err != nil {
			return nil
		}
	}
}
