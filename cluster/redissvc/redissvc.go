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

// Package redissvc decides cluster QPS and parameter token requests with
// token buckets stored in Redis, for deployments without a token server.
// Concurrency leases need a token server and always fail here, so callers
// fall back to their local checks.
package redissvc

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/monitoring"
	"k8s.io/klog/v2"
)

// DefaultKeyPrefix prefixes the Redis keys of the buckets.
const DefaultKeyPrefix = "sluice"

var errConcurrency = errors.New("concurrency tokens need a token server")

// Bucket takes tokens from a shared bucket, see redistb.TokenBucket.
type Bucket interface {
	Call(ctx context.Context, prefix string, capacity int64, replenishRate float64, numTokens int64) (bool, int64, error)
}

// Options configures a Service.
type Options struct {
	KeyPrefix     string
	MetricFactory monitoring.MetricFactory
}

// Service is a cluster.TokenService on Redis token buckets. A rule with
// threshold T and burst B gets a bucket of T+B tokens refilled at T per
// second.
type Service struct {
	bucket  Bucket
	rules   *flow.RuleManager
	prefix  string
	results monitoring.Counter
}

var _ cluster.TokenService = (*Service)(nil)

// New returns a service taking tokens from bucket for the cluster rules of
// rules.
func New(bucket Bucket, rules *flow.RuleManager, opts Options) *Service {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	mf := monitoring.OrInert(opts.MetricFactory)
	return &Service{
		bucket:  bucket,
		rules:   rules,
		prefix:  prefix,
		results: mf.NewCounter("redis_token_results", "Token requests decided on Redis", "method", "status"),
	}
}

func (s *Service) record(method string, r *cluster.TokenResult) *cluster.TokenResult {
	s.results.Inc(method, r.Status.String())
	return r
}

// rule returns the rule of req or the result rejecting req.
func (s *Service) rule(req cluster.TokenRequest) (flow.Rule, *cluster.TokenResult) {
	if req.FlowID <= 0 || req.AcquireCount <= 0 {
		return flow.Rule{}, cluster.NewResult(cluster.StatusBadRequest)
	}
	r, _, ok := s.rules.RuleByFlowID(req.FlowID)
	if !ok {
		return flow.Rule{}, cluster.NewResult(cluster.StatusNoRuleExists)
	}
	want := flow.GradeQPS
	if len(req.Params) > 0 {
		want = flow.GradeParamQPS
	}
	if r.Grade != want {
		return flow.Rule{}, cluster.NewResult(cluster.StatusBadRequest)
	}
	return r, nil
}

func (s *Service) take(ctx context.Context, key string, r *flow.Rule, n int64) *cluster.TokenResult {
	capacity := int64(math.Ceil(r.Threshold)) + r.BurstCount
	if capacity <= 0 || r.Threshold <= 0 {
		return cluster.NewResult(cluster.StatusBlocked)
	}
	ok, remaining, err := s.bucket.Call(ctx, key, capacity, r.Threshold, n)
	if err != nil {
		klog.Warningf("Redis token bucket %s: %v", key, err)
		return cluster.FailResult(err)
	}
	if !ok {
		return &cluster.TokenResult{Status: cluster.StatusBlocked, Remaining: remaining}
	}
	return &cluster.TokenResult{Status: cluster.StatusOK, Remaining: remaining}
}

func (s *Service) flowKey(flowID int64) string {
	return fmt.Sprintf("%s:flow:%d", s.prefix, flowID)
}

func (s *Service) decide(ctx context.Context, req cluster.TokenRequest) *cluster.TokenResult {
	r, res := s.rule(req)
	if res != nil {
		return res
	}
	if len(req.Params) == 0 {
		return s.take(ctx, s.flowKey(req.FlowID), &r, req.AcquireCount)
	}
	// Buckets of the values before a blocked one keep their tokens taken.
	results := make([]*cluster.TokenResult, 0, len(req.Params))
	for _, p := range req.Params {
		res := s.take(ctx, s.flowKey(req.FlowID)+":"+p, &r, req.AcquireCount)
		results = append(results, res)
		if res.Status != cluster.StatusOK {
			break
		}
	}
	return cluster.ComposeResults(nil, results)
}

// RequestToken implements cluster.TokenService.
func (s *Service) RequestToken(ctx context.Context, flowID, acquireCount int64, _ bool) *cluster.TokenResult {
	return s.record("RequestToken", s.decide(ctx, cluster.TokenRequest{FlowID: flowID, AcquireCount: acquireCount}))
}

// RequestParamToken implements cluster.TokenService.
func (s *Service) RequestParamToken(ctx context.Context, flowID, acquireCount int64, params []string) *cluster.TokenResult {
	if len(params) == 0 {
		return s.record("RequestParamToken", cluster.NewResult(cluster.StatusBadRequest))
	}
	return s.record("RequestParamToken", s.decide(ctx, cluster.TokenRequest{FlowID: flowID, AcquireCount: acquireCount, Params: params}))
}

// RequestBatchToken implements cluster.TokenService.
func (s *Service) RequestBatchToken(ctx context.Context, reqs []cluster.TokenRequest) *cluster.TokenResult {
	results := make([]*cluster.TokenResult, len(reqs))
	for i, r := range reqs {
		results[i] = s.decide(ctx, r)
	}
	return s.record("RequestBatchToken", cluster.ComposeResults(reqs, results))
}

// RequestConcurrentToken always fails.
func (s *Service) RequestConcurrentToken(context.Context, int64, int64) *cluster.TokenResult {
	return s.record("RequestConcurrentToken", cluster.FailResult(errConcurrency))
}

// ReleaseConcurrentToken reports every token as unknown, since none is
// ever issued.
func (s *Service) ReleaseConcurrentToken(context.Context, int64) *cluster.TokenResult {
	return s.record("ReleaseConcurrentToken", cluster.NewResult(cluster.StatusNotFound))
}
