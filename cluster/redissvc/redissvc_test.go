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

package redissvc

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/flow"
)

// fakeBucket holds buckets which never refill.
type fakeBucket struct {
	err    error
	tokens map[string]int64
	calls  []string
}

func (f *fakeBucket) Call(_ context.Context, key string, capacity int64, _ float64, n int64) (bool, int64, error) {
	f.calls = append(f.calls, key)
	if f.err != nil {
		return false, 0, f.err
	}
	if f.tokens == nil {
		f.tokens = make(map[string]int64)
	}
	left, ok := f.tokens[key]
	if !ok {
		left = capacity
	}
	if n > left {
		f.tokens[key] = left
		return false, left, nil
	}
	f.tokens[key] = left - n
	return true, left - n, nil
}

func newService(t *testing.T, b Bucket) *Service {
	t.Helper()
	m := flow.NewRuleManager(nil)
	m.LoadRules("test", []flow.Rule{
		{Resource: "qps", Threshold: 2, BurstCount: 1, ClusterMode: true, ClusterConfig: flow.ClusterConfig{FlowID: 1}},
		{Resource: "param", Grade: flow.GradeParamQPS, Threshold: 1, ClusterMode: true, ClusterConfig: flow.ClusterConfig{FlowID: 2}},
		{Resource: "threads", Grade: flow.GradeConcurrency, Threshold: 1, ClusterMode: true, ClusterConfig: flow.ClusterConfig{FlowID: 3}},
	})
	return New(b, m, Options{KeyPrefix: "test"})
}

func TestRequestToken(t *testing.T) {
	b := &fakeBucket{}
	s := newService(t, b)
	ctx := context.Background()
	var got []cluster.TokenStatus
	for i := 0; i < 4; i++ {
		got = append(got, s.RequestToken(ctx, 1, 1, false).Status)
	}
	want := []cluster.TokenStatus{cluster.StatusOK, cluster.StatusOK, cluster.StatusOK, cluster.StatusBlocked}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("statuses diff (-want +got):\n%s", diff)
	}
	if b.calls[0] != "test:flow:1" {
		t.Errorf("bucket key = %q, want test:flow:1", b.calls[0])
	}

	for _, tc := range []struct {
		desc string
		res  *cluster.TokenResult
		want cluster.TokenStatus
	}{
		{desc: "unknown flow", res: s.RequestToken(ctx, 9, 1, false), want: cluster.StatusNoRuleExists},
		{desc: "zero count", res: s.RequestToken(ctx, 1, 0, false), want: cluster.StatusBadRequest},
		{desc: "param flow", res: s.RequestToken(ctx, 2, 1, false), want: cluster.StatusBadRequest},
		{desc: "concurrency", res: s.RequestConcurrentToken(ctx, 3, 1), want: cluster.StatusFail},
		{desc: "release", res: s.ReleaseConcurrentToken(ctx, 5), want: cluster.StatusNotFound},
	} {
		if tc.res.Status != tc.want {
			t.Errorf("%s: %v, want %v", tc.desc, tc.res, tc.want)
		}
	}
}

func TestRequestParamToken(t *testing.T) {
	s := newService(t, &fakeBucket{})
	ctx := context.Background()
	if res := s.RequestParamToken(ctx, 2, 1, []string{"a", "b"}); res.Status != cluster.StatusOK {
		t.Errorf("first request: %v, want OK", res)
	}
	res := s.RequestParamToken(ctx, 2, 1, []string{"c", "a"})
	if res.Status != cluster.StatusBlocked || res.Attachments[cluster.AttachmentIndex] != "1" {
		t.Errorf("second request: %v, want Blocked on value 1", res)
	}
	if res := s.RequestParamToken(ctx, 2, 1, nil); res.Status != cluster.StatusBadRequest {
		t.Errorf("request without params: %v, want BadRequest", res)
	}
}

func TestRedisFailure(t *testing.T) {
	s := newService(t, &fakeBucket{err: errors.New("connection refused")})
	res := s.RequestBatchToken(context.Background(), []cluster.TokenRequest{{FlowID: 1, AcquireCount: 1}})
	if !res.IsFailure() || res.Attachments[cluster.AttachmentError] != "connection refused" {
		t.Errorf("RequestBatchToken() = %v, want a failure caused by the connection", res)
	}
}
