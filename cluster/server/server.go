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

// Package server implements the cluster token server: it tracks connected
// token clients, decides QPS, parameter and concurrency token requests
// against cluster-mode flow rules, and reclaims the concurrency leases of
// expired or disconnected holders.
package server

import (
	"context"
	"time"

	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/monitoring"
	"github.com/sluice-dev/sluice/util/clock"
	"k8s.io/klog/v2"
)

// EmbeddedAddress identifies requests made by a client in the server's own
// process.
const EmbeddedAddress = "embedded"

type addressKey struct{}

// WithClientAddress returns a context identifying the requesting client.
func WithClientAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, addressKey{}, address)
}

// ClientAddress returns the requesting client recorded in ctx, or
// EmbeddedAddress.
func ClientAddress(ctx context.Context) string {
	if a, ok := ctx.Value(addressKey{}).(string); ok && a != "" {
		return a
	}
	return EmbeddedAddress
}

// Options configures a TokenServer.
type Options struct {
	Config Config
	// Rules holds the cluster rules, one scope per namespace. A new manager
	// is created if nil.
	Rules         *flow.RuleManager
	TimeSource    clock.TimeSource
	MetricFactory monitoring.MetricFactory
}

// TokenServer decides token requests of the clients of every namespace. It
// implements cluster.TokenService for in-process clients; remote clients
// reach it through NewGRPCService.
type TokenServer struct {
	ts      clock.TimeSource
	config  *ConfigManager
	rules   *flow.RuleManager
	conns   *ConnectionManager
	leases  *LeaseTable
	metrics *MetricRegistry
	limiter *RequestLimiter

	results   monitoring.Counter
	connected monitoring.Gauge
	active    monitoring.Gauge
	reclaimed monitoring.Counter
}

var _ cluster.TokenService = (*TokenServer)(nil)

// New creates a token server.
func New(opts Options) (*TokenServer, error) {
	config, err := NewConfigManager(opts.Config)
	if err != nil {
		return nil, err
	}
	ts := opts.TimeSource
	if ts == nil {
		ts = clock.System
	}
	rules := opts.Rules
	if rules == nil {
		rules = flow.NewRuleManager(ts)
	}
	mf := monitoring.OrInert(opts.MetricFactory)
	cfg := config.Config()
	s := &TokenServer{
		ts:        ts,
		config:    config,
		rules:     rules,
		conns:     NewConnectionManager(ts),
		leases:    NewLeaseTable(clock.Millis(ts) * 1000),
		metrics:   NewMetricRegistry(ts),
		limiter:   NewRequestLimiter(cfg.MaxAllowedQPS, ts),
		results:   mf.NewCounter("token_server_results", "Token requests decided by the server", "method", "status"),
		connected: mf.NewGauge("token_server_connected_clients", "Token clients currently connected"),
		active:    mf.NewGauge("token_server_active_leases", "Concurrency leases currently held"),
		reclaimed: mf.NewCounter("token_server_reclaimed_leases", "Concurrency leases reclaimed by the server", "reason"),
	}
	s.conns.AddDisconnectListener(s.clientGone)
	config.AddListener(s.configChanged)
	rules.AddObserver(s.rulesChanged)
	return s, nil
}

// Config returns the configuration manager of the server.
func (s *TokenServer) Config() *ConfigManager { return s.config }

// Rules returns the rules the server enforces.
func (s *TokenServer) Rules() *flow.RuleManager { return s.rules }

// Connections returns the connection manager of the server.
func (s *TokenServer) Connections() *ConnectionManager { return s.conns }

// Leases returns the concurrency lease table of the server.
func (s *TokenServer) Leases() *LeaseTable { return s.leases }

// Metrics returns the flow metrics of the server.
func (s *TokenServer) Metrics() *MetricRegistry { return s.metrics }

func (s *TokenServer) configChanged(old, cfg Config) {
	if old.SampleCount != cfg.SampleCount || old.IntervalMs != cfg.IntervalMs {
		klog.Infof("Flow metric shape changed to %d samples over %dms, resetting metrics", cfg.SampleCount, cfg.IntervalMs)
		s.metrics.Reset()
	}
	s.limiter.SetQPS(cfg.MaxAllowedQPS)
}

func (s *TokenServer) rulesChanged(scope string, _ []flow.Rule) {
	live := func(id int64) bool {
		_, _, ok := s.rules.RuleByFlowID(id)
		return ok
	}
	s.metrics.Retain(live)
	for _, id := range s.leases.FlowIDs() {
		if !live(id) {
			ls := s.leases.ReclaimFlow(id)
			klog.Infof("Rule of flow %d removed from namespace %q, dropped %d leases", id, scope, len(ls))
			s.reclaimed.Add(float64(len(ls)), "rule_removed")
		}
	}
	s.active.Set(float64(s.leases.Len()))
}

func (s *TokenServer) clientGone(address string) {
	if ls := s.leases.ReclaimAddress(address); len(ls) > 0 {
		klog.Warningf("Reclaimed %d leases of disconnected client %s", len(ls), address)
		s.reclaimed.Add(float64(len(ls)), "disconnected")
		s.active.Set(float64(s.leases.Len()))
	}
	s.connected.Set(float64(len(s.conns.Addresses())))
}

func (s *TokenServer) record(method string, r *cluster.TokenResult) *cluster.TokenResult {
	s.results.Inc(method, r.Status.String())
	klog.V(2).Infof("%s: %v", method, r)
	return r
}

// touch records activity from the requesting client.
func (s *TokenServer) touch(ctx context.Context) string {
	a := ClientAddress(ctx)
	s.conns.Touch(a)
	return a
}

// Ping binds the requesting client to namespace.
func (s *TokenServer) Ping(ctx context.Context, namespace string) *cluster.TokenResult {
	a := ClientAddress(ctx)
	s.conns.Bind(a, namespace)
	s.connected.Set(float64(len(s.conns.Addresses())))
	return cluster.NewResult(cluster.StatusOK)
}

// RequestToken implements cluster.TokenService.
func (s *TokenServer) RequestToken(ctx context.Context, flowID, acquireCount int64, prioritized bool) *cluster.TokenResult {
	s.touch(ctx)
	return s.record("RequestToken", s.decide(cluster.TokenRequest{FlowID: flowID, AcquireCount: acquireCount, Prioritized: prioritized}))
}

// RequestParamToken implements cluster.TokenService.
func (s *TokenServer) RequestParamToken(ctx context.Context, flowID, acquireCount int64, params []string) *cluster.TokenResult {
	s.touch(ctx)
	if len(params) == 0 {
		return s.record("RequestParamToken", cluster.NewResult(cluster.StatusBadRequest))
	}
	return s.record("RequestParamToken", s.decide(cluster.TokenRequest{FlowID: flowID, AcquireCount: acquireCount, Params: params}))
}

// RequestBatchToken implements cluster.TokenService. Every request is
// decided on its own and the results are composed by cluster.ComposeResults.
// Unless the composed result admits the batch, the passes granted to its
// requests are taken back.
func (s *TokenServer) RequestBatchToken(ctx context.Context, reqs []cluster.TokenRequest) *cluster.TokenResult {
	s.touch(ctx)
	results := make([]*cluster.TokenResult, len(reqs))
	var undos []func()
	for i, r := range reqs {
		var undo func()
		results[i], undo = s.tryDecide(r)
		if undo != nil {
			undos = append(undos, undo)
		}
	}
	res := cluster.ComposeResults(reqs, results)
	if res.Status != cluster.StatusOK && res.Status != cluster.StatusShouldWait {
		for _, undo := range undos {
			undo()
		}
	}
	return s.record("RequestBatchToken", res)
}

// RequestConcurrentToken implements cluster.TokenService.
func (s *TokenServer) RequestConcurrentToken(ctx context.Context, flowID, acquireCount int64) *cluster.TokenResult {
	a := s.touch(ctx)
	return s.record("RequestConcurrentToken", s.acquireConcurrent(a, flowID, acquireCount))
}

// ReleaseConcurrentToken implements cluster.TokenService.
func (s *TokenServer) ReleaseConcurrentToken(ctx context.Context, tokenID int64) *cluster.TokenResult {
	s.touch(ctx)
	l, ok := s.leases.Release(tokenID)
	if !ok {
		klog.Warningf("Release of unknown concurrency token %d", tokenID)
		return s.record("ReleaseConcurrentToken", cluster.NewResult(cluster.StatusNotFound))
	}
	s.active.Set(float64(s.leases.Len()))
	klog.V(2).Infof("Released token %d of flow %d after %dms", tokenID, l.FlowID, clock.Millis(s.ts)-l.Acquired)
	return s.record("ReleaseConcurrentToken", cluster.NewResult(cluster.StatusReleaseOK))
}

// Sweep disconnects silent clients and reclaims expired leases.
func (s *TokenServer) Sweep() {
	cfg := s.config.Config()
	s.conns.Sweep(cfg.ClientOfflineTimeoutMs)
	if ls := s.leases.ReclaimExpired(clock.Millis(s.ts)); len(ls) > 0 {
		for _, l := range ls {
			klog.Warningf("Reclaimed expired token %d of flow %d held by %s", l.TokenID, l.FlowID, l.Address)
		}
		s.reclaimed.Add(float64(len(ls)), "expired")
	}
	s.active.Set(float64(s.leases.Len()))
	s.connected.Set(float64(len(s.conns.Addresses())))
}

// Run sweeps periodically until ctx is done.
func (s *TokenServer) Run(ctx context.Context) {
	for {
		d := time.Duration(s.config.Config().SweepIntervalMs) * time.Millisecond
		if err := clock.SleepSource(ctx, d, s.ts); err != nil {
			return
		}
		s.Sweep()
	}
}
