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
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/sluice-dev/sluice/base"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/node"
	"github.com/sluice-dev/sluice/util/clock"
	"k8s.io/klog/v2"
)

var errNoTokenService = errors.New("no token service assigned")

// Checker applies the rules held by a RuleManager to entries. Cluster-mode
// rules are decided by a token service and fall back to their local
// controller when the service cannot decide.
type Checker struct {
	rules *RuleManager
	ts    clock.TimeSource

	mu      sync.RWMutex
	service cluster.TokenService
}

// NewChecker creates a checker of rules. service may be nil until a token
// service is assigned with SetTokenService.
func NewChecker(rules *RuleManager, service cluster.TokenService, ts clock.TimeSource) *Checker {
	if ts == nil {
		ts = clock.System
	}
	return &Checker{rules: rules, service: service, ts: ts}
}

// SetTokenService replaces the token service used by cluster-mode rules.
func (c *Checker) SetTokenService(s cluster.TokenService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.service = s
}

func (c *Checker) tokenService() cluster.TokenService {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.service
}

// Check decides in against the rules of its resource, waiting out
// should-wait verdicts. It returns the concurrency leases granted by the
// token service, which the caller must Release when the entry exits. On a
// block no leases are held.
func (c *Checker) Check(ctx context.Context, in *Input) ([]int64, *base.BlockError) {
	ctrls := c.rules.Controllers(in.Resource.Resource())
	if len(ctrls) == 0 {
		return nil, nil
	}
	var (
		leases []int64
		batch  []Controller
		reqs   []cluster.TokenRequest
	)
	fail := func(err *base.BlockError) ([]int64, *base.BlockError) {
		c.Release(ctx, leases)
		return nil, err
	}
	for _, ctrl := range ctrls {
		r := ctrl.Rule()
		if !r.ClusterMode {
			if err := c.checkLocal(ctx, ctrl, in); err != nil {
				return fail(err)
			}
			continue
		}
		switch r.Grade {
		case GradeConcurrency:
			res := c.requestConcurrent(ctx, r, in.AcquireCount)
			switch res.Status {
			case cluster.StatusOK:
				leases = append(leases, res.TokenID)
			case cluster.StatusBlocked:
				return fail(base.NewBlockError(base.BlockTypeFlow, r.Resource, r, "concurrency token unavailable"))
			default:
				if err := c.fallback(ctx, ctrl, in, res); err != nil {
					return fail(err)
				}
			}
		case GradeParamQPS:
			value, ok := paramValue(in.Args, r.ParamIndex)
			if !ok {
				continue
			}
			batch = append(batch, ctrl)
			reqs = append(reqs, cluster.TokenRequest{FlowID: r.ClusterConfig.FlowID, AcquireCount: in.AcquireCount, Params: []string{value}})
		default:
			batch = append(batch, ctrl)
			reqs = append(reqs, cluster.TokenRequest{FlowID: r.ClusterConfig.FlowID, AcquireCount: in.AcquireCount, Prioritized: in.Prioritized})
		}
	}
	if len(reqs) > 0 {
		if err := c.checkCluster(ctx, batch, reqs, in); err != nil {
			return fail(err)
		}
	}
	return leases, nil
}

// Release returns concurrency leases to the token service.
func (c *Checker) Release(ctx context.Context, leases []int64) {
	if len(leases) == 0 {
		return
	}
	svc := c.tokenService()
	if svc == nil {
		klog.Warningf("Cannot release %d concurrency leases: %v", len(leases), errNoTokenService)
		return
	}
	for _, id := range leases {
		if res := svc.ReleaseConcurrentToken(ctx, id); res.Status != cluster.StatusReleaseOK {
			klog.Warningf("Releasing concurrency lease %d: %v", id, res)
		}
	}
}

// checkLocal applies ctrl to the node selected by its rule's origin.
func (c *Checker) checkLocal(ctx context.Context, ctrl Controller, in *Input) *base.BlockError {
	r := ctrl.Rule()
	stats := c.selectNode(r, in)
	if stats == nil {
		return nil
	}
	res := ctrl.Check(stats, in)
	if res.Occupied {
		in.charged = append(in.charged, stats)
	}
	return c.await(ctx, r, res)
}

func (c *Checker) await(ctx context.Context, r *Rule, res base.CheckResult) *base.BlockError {
	switch res.Status {
	case base.CheckBlocked:
		return res.Err
	case base.CheckShouldWait:
		if err := clock.SleepMillis(ctx, res.WaitMs, c.ts); err != nil && res.WaitMs > 0 {
			return base.NewBlockError(base.BlockTypeFlow, r.Resource, r, "wait of "+strconv.FormatInt(res.WaitMs, 10)+"ms interrupted: "+err.Error())
		}
	}
	return nil
}

// selectNode returns the node limited by r for in, or nil if r does not
// apply to in's origin.
func (c *Checker) selectNode(r *Rule, in *Input) *node.StatisticNode {
	switch o := r.limitOrigin(); o {
	case LimitOriginDefault:
		return in.Resource.StatisticNode
	case LimitOriginOther:
		if in.Origin == "" || c.rules.namedOrigin(r.Resource, in.Origin) {
			return nil
		}
		return in.OriginNode
	default:
		if o == in.Origin {
			return in.OriginNode
		}
		return nil
	}
}

func (c *Checker) requestConcurrent(ctx context.Context, r *Rule, n int64) *cluster.TokenResult {
	svc := c.tokenService()
	if svc == nil {
		return cluster.FailResult(errNoTokenService)
	}
	return svc.RequestConcurrentToken(ctx, r.ClusterConfig.FlowID, n)
}

// checkCluster sends the QPS requests of batch in one call and applies the
// composed verdict.
func (c *Checker) checkCluster(ctx context.Context, batch []Controller, reqs []cluster.TokenRequest, in *Input) *base.BlockError {
	var res *cluster.TokenResult
	svc := c.tokenService()
	switch {
	case svc == nil:
		res = cluster.FailResult(errNoTokenService)
	case len(reqs) > 1:
		res = svc.RequestBatchToken(ctx, reqs)
	case len(reqs[0].Params) > 0:
		res = svc.RequestParamToken(ctx, reqs[0].FlowID, reqs[0].AcquireCount, reqs[0].Params)
	default:
		res = svc.RequestToken(ctx, reqs[0].FlowID, reqs[0].AcquireCount, reqs[0].Prioritized)
	}
	switch res.Status {
	case cluster.StatusOK:
		return nil
	case cluster.StatusShouldWait:
		return c.await(ctx, batch[0].Rule(), base.Wait(res.WaitMs))
	case cluster.StatusBlocked:
		r := blockingRule(batch, res)
		return base.NewBlockError(base.BlockTypeFlow, r.Resource, r, "token server denied the request")
	}
	for _, ctrl := range batch {
		if err := c.fallback(ctx, ctrl, in, res); err != nil {
			return err
		}
	}
	return nil
}

// blockingRule returns the rule of batch identified by res's flow id
// attachment, or the first rule.
func blockingRule(batch []Controller, res *cluster.TokenResult) *Rule {
	if id, err := strconv.ParseInt(res.Attachments[cluster.AttachmentFlowID], 10, 64); err == nil {
		for _, ctrl := range batch {
			if r := ctrl.Rule(); r.ClusterConfig.FlowID == id {
				return r
			}
		}
	}
	return batch[0].Rule()
}

// fallback handles a token service failure for ctrl's rule: the local
// controller decides if the rule allows it, otherwise the entry is blocked.
func (c *Checker) fallback(ctx context.Context, ctrl Controller, in *Input, res *cluster.TokenResult) *base.BlockError {
	r := ctrl.Rule()
	if !r.ClusterConfig.FallbackToLocalWhenFail {
		klog.V(1).Infof("Cluster check of rule %s failed without fallback: %v", r.RuleID(), res)
		return base.NewBlockError(base.BlockTypeCluster, r.Resource, r, "token service: "+res.String())
	}
	klog.V(1).Infof("Cluster check of rule %s failed, checking locally: %v", r.RuleID(), res)
	return c.checkLocal(ctx, ctrl, in)
}
