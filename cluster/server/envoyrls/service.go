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

package envoyrls

import (
	"context"
	"math"

	rlscommon "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/monitoring"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Service implements the Envoy rate limit service on a token service.
type Service struct {
	rlsv3.UnimplementedRateLimitServiceServer

	tokens    cluster.TokenService
	rules     *flow.RuleManager
	decisions monitoring.Counter
}

// New returns a service deciding descriptors with tokens. rules resolves
// the limits reported back to Envoy.
func New(tokens cluster.TokenService, rules *flow.RuleManager, mf monitoring.MetricFactory) *Service {
	mf = monitoring.OrInert(mf)
	return &Service{
		tokens:    tokens,
		rules:     rules,
		decisions: mf.NewCounter("envoy_rls_descriptors", "Rate limit descriptors decided", "domain", "code"),
	}
}

// Register registers s with a gRPC server.
func (s *Service) Register(r grpc.ServiceRegistrar) {
	rlsv3.RegisterRateLimitServiceServer(r, s)
}

func entries(d *rlscommon.RateLimitDescriptor) []Entry {
	r := make([]Entry, 0, len(d.GetEntries()))
	for _, e := range d.GetEntries() {
		r = append(r, Entry{Key: e.GetKey(), Value: e.GetValue()})
	}
	return r
}

// ShouldRateLimit decides each descriptor of req. The request is over the
// limit if any descriptor is. Descriptors without a rule, and those the
// token service cannot decide, are allowed.
func (s *Service) ShouldRateLimit(ctx context.Context, req *rlsv3.RateLimitRequest) (*rlsv3.RateLimitResponse, error) {
	domain := req.GetDomain()
	if domain == "" {
		return nil, status.Error(codes.InvalidArgument, "rate limit domain is empty")
	}
	hits := int64(req.GetHitsAddend())
	if hits == 0 {
		hits = 1
	}

	rsp := &rlsv3.RateLimitResponse{OverallCode: rlsv3.RateLimitResponse_OK}
	results := make([]*cluster.TokenResult, 0, len(req.GetDescriptors()))
	reqs := make([]cluster.TokenRequest, 0, len(req.GetDescriptors()))
	for _, d := range req.GetDescriptors() {
		key := DescriptorKey(domain, entries(d))
		id := FlowID(key)
		res := s.tokens.RequestToken(ctx, id, hits, false)
		switch {
		case res.Status == cluster.StatusNoRuleExists:
			res = cluster.NewResult(cluster.StatusOK)
			res.Remaining = math.MaxUint32
		case res.IsFailure():
			klog.Warningf("Rate limit descriptor %s allowed, token service could not decide: %v", key, res)
			res = cluster.NewResult(cluster.StatusOK)
		}
		reqs = append(reqs, cluster.TokenRequest{FlowID: id, AcquireCount: hits})
		results = append(results, res)

		st := &rlsv3.RateLimitResponse_DescriptorStatus{
			Code:           rlsv3.RateLimitResponse_OK,
			LimitRemaining: remaining(res.Remaining),
		}
		if res.Status == cluster.StatusBlocked {
			st.Code = rlsv3.RateLimitResponse_OVER_LIMIT
		}
		if rule, _, ok := s.rules.RuleByFlowID(id); ok {
			st.CurrentLimit = &rlsv3.RateLimitResponse_RateLimit{
				Name:            key,
				RequestsPerUnit: remaining(int64(rule.Threshold)),
				Unit:            rlsv3.RateLimitResponse_RateLimit_SECOND,
			}
		}
		s.decisions.Inc(domain, st.Code.String())
		rsp.Statuses = append(rsp.Statuses, st)
	}

	if cluster.ComposeResults(reqs, results).Status == cluster.StatusBlocked {
		rsp.OverallCode = rlsv3.RateLimitResponse_OVER_LIMIT
	}
	return rsp, nil
}

func remaining(n int64) uint32 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(n)
}
