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

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/cluster/clusterpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// fakeServer answers every token request with its id as the remaining
// count.
type fakeServer struct {
	id    int64
	delay time.Duration

	mu         sync.Mutex
	namespaces []string
	batches    [][]cluster.TokenRequest
}

func (s *fakeServer) wait(ctx context.Context) {
	if s.delay == 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.delay):
	}
}

func (s *fakeServer) ok() *clusterpb.TokenResponse {
	return &clusterpb.TokenResponse{Status: int32(cluster.StatusOK), Remaining: s.id}
}

func (s *fakeServer) Ping(_ context.Context, in *clusterpb.PingRequest) (*clusterpb.TokenResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces = append(s.namespaces, in.Namespace)
	return s.ok(), nil
}

func (s *fakeServer) RequestToken(ctx context.Context, in *clusterpb.TokenRequest) (*clusterpb.TokenResponse, error) {
	s.wait(ctx)
	if in.Prioritized {
		return &clusterpb.TokenResponse{Status: int32(cluster.StatusShouldWait), WaitMs: 40}, nil
	}
	return s.ok(), nil
}

func (s *fakeServer) RequestParamToken(_ context.Context, in *clusterpb.TokenRequest) (*clusterpb.TokenResponse, error) {
	r := s.ok()
	r.Attachments = map[string]string{"params": fmt.Sprint(in.Params)}
	return r, nil
}

func (s *fakeServer) RequestBatchToken(_ context.Context, in *clusterpb.BatchTokenRequest) (*clusterpb.TokenResponse, error) {
	var reqs []cluster.TokenRequest
	for _, r := range in.Requests {
		reqs = append(reqs, r.Request())
	}
	s.mu.Lock()
	s.batches = append(s.batches, reqs)
	s.mu.Unlock()
	return s.ok(), nil
}

func (s *fakeServer) RequestConcurrentToken(_ context.Context, in *clusterpb.ConcurrentTokenRequest) (*clusterpb.TokenResponse, error) {
	return &clusterpb.TokenResponse{Status: int32(cluster.StatusOK), TokenID: in.FlowID*1000 + in.AcquireCount}, nil
}

func (s *fakeServer) ReleaseConcurrentToken(_ context.Context, in *clusterpb.ReleaseRequest) (*clusterpb.TokenResponse, error) {
	if in.TokenID == 0 {
		return &clusterpb.TokenResponse{Status: int32(cluster.StatusNotFound)}, nil
	}
	return &clusterpb.TokenResponse{Status: int32(cluster.StatusReleaseOK)}, nil
}

// network routes dials of host:port addresses to in-process servers.
type network struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func (n *network) serve(t *testing.T, port int, srv clusterpb.TokenServiceServer) {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	s := grpc.NewServer()
	clusterpb.RegisterTokenServiceServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[string]*bufconn.Listener)
	}
	n.listeners[net.JoinHostPort("token-server", strconv.Itoa(port))] = lis
}

func (n *network) dial(ctx context.Context, addr string) (net.Conn, error) {
	n.mu.Lock()
	lis, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	return lis.DialContext(ctx)
}

func newTestClient(t *testing.T, n *network, cfg cluster.ClientConfig) (*Client, *cluster.ClientConfigManager) {
	t.Helper()
	cfgs, err := cluster.NewClientConfigManager(cfg)
	if err != nil {
		t.Fatalf("NewClientConfigManager: %v", err)
	}
	c, err := New(cfgs, Options{DialOptions: []grpc.DialOption{grpc.WithContextDialer(n.dial)}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, cfgs
}

func TestClientRequests(t *testing.T) {
	n := &network{}
	srv := &fakeServer{id: 7}
	n.serve(t, 1, srv)
	c, _ := newTestClient(t, n, cluster.ClientConfig{ServerHost: "token-server", ServerPort: 1, RequestTimeoutMs: 5000, Namespace: "shop"})
	ctx := context.Background()

	if res := c.Ping(ctx); res.Status != cluster.StatusOK {
		t.Errorf("Ping()=%v, want OK", res)
	}
	if diff := cmp.Diff([]string{"shop"}, srv.namespaces); diff != "" {
		t.Errorf("pinged namespaces diff (-want +got):\n%s", diff)
	}
	if res := c.RequestToken(ctx, 1, 1, false); res.Status != cluster.StatusOK || res.Remaining != 7 {
		t.Errorf("RequestToken()=%v, want OK with 7 remaining", res)
	}
	if res := c.RequestToken(ctx, 1, 1, true); res.Status != cluster.StatusShouldWait || res.WaitMs != 40 {
		t.Errorf("RequestToken(prioritized)=%v, want a wait of 40ms", res)
	}
	if res := c.RequestParamToken(ctx, 2, 1, []string{"a", "b"}); res.Attachments["params"] != "[a b]" {
		t.Errorf("RequestParamToken()=%v, want params echoed", res)
	}
	reqs := []cluster.TokenRequest{{FlowID: 1, AcquireCount: 2}, {FlowID: 2, AcquireCount: 1, Params: []string{"x"}}}
	if res := c.RequestBatchToken(ctx, reqs); res.Status != cluster.StatusOK {
		t.Errorf("RequestBatchToken()=%v, want OK", res)
	}
	if diff := cmp.Diff([][]cluster.TokenRequest{reqs}, srv.batches); diff != "" {
		t.Errorf("batches diff (-want +got):\n%s", diff)
	}
	res := c.RequestConcurrentToken(ctx, 111, 1)
	if res.Status != cluster.StatusOK || res.TokenID != 111001 {
		t.Errorf("RequestConcurrentToken()=%v, want token 111001", res)
	}
	if res := c.ReleaseConcurrentToken(ctx, res.TokenID); res.Status != cluster.StatusReleaseOK {
		t.Errorf("ReleaseConcurrentToken()=%v, want ReleaseOK", res)
	}
	if res := c.ReleaseConcurrentToken(ctx, 0); res.Status != cluster.StatusNotFound {
		t.Errorf("ReleaseConcurrentToken(0)=%v, want NotFound", res)
	}
}

func TestClientBadRequests(t *testing.T) {
	c, _ := newTestClient(t, &network{}, cluster.ClientConfig{})
	ctx := context.Background()
	for _, res := range []*cluster.TokenResult{
		c.RequestToken(ctx, 0, 1, false),
		c.RequestToken(ctx, 1, 0, false),
		c.RequestParamToken(ctx, 1, 1, nil),
		c.RequestBatchToken(ctx, []cluster.TokenRequest{{FlowID: 1, AcquireCount: 1}, {FlowID: -1, AcquireCount: 1}}),
		c.RequestConcurrentToken(ctx, 1, -2),
	} {
		if res.Status != cluster.StatusBadRequest {
			t.Errorf("result=%v, want BadRequest", res)
		}
	}
}

func TestClientWithoutServer(t *testing.T) {
	c, _ := newTestClient(t, &network{}, cluster.ClientConfig{})
	res := c.RequestToken(context.Background(), 1, 1, false)
	if res.Status != cluster.StatusFail || res.Attachments[cluster.AttachmentError] != errNoServer.Error() {
		t.Errorf("RequestToken()=%v, want Fail for the missing server", res)
	}
}

func TestClientFailsWithinTimeout(t *testing.T) {
	n := &network{}
	n.serve(t, 1, &fakeServer{delay: 10 * time.Second})
	for _, test := range []struct {
		desc string
		port int
	}{
		{desc: "slow server", port: 1},
		{desc: "unreachable server", port: 2},
	} {
		t.Run(test.desc, func(t *testing.T) {
			c, _ := newTestClient(t, n, cluster.ClientConfig{ServerHost: "token-server", ServerPort: test.port, RequestTimeoutMs: 50})
			for i := 0; i < 3; i++ {
				start := time.Now()
				res := c.RequestToken(context.Background(), 1, 1, false)
				if elapsed := time.Since(start); elapsed > 2*time.Second {
					t.Errorf("RequestToken(#%d) took %v, want about 50ms", i, elapsed)
				}
				if res.Status != cluster.StatusFail || res.Attachments[cluster.AttachmentError] == "" {
					t.Errorf("RequestToken(#%d)=%v, want Fail with a cause", i, res)
				}
			}
		})
	}
}

func TestClientFollowsConfig(t *testing.T) {
	n := &network{}
	n.serve(t, 1, &fakeServer{id: 1})
	n.serve(t, 2, &fakeServer{id: 2})
	c, cfgs := newTestClient(t, n, cluster.ClientConfig{ServerHost: "token-server", ServerPort: 1, RequestTimeoutMs: 5000})
	ctx := context.Background()

	if res := c.RequestToken(ctx, 1, 1, false); res.Remaining != 1 {
		t.Fatalf("RequestToken()=%v, want an answer from server 1", res)
	}
	if err := cfgs.Update(cluster.ClientConfig{ServerHost: "token-server", ServerPort: 2, RequestTimeoutMs: 5000}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res := c.RequestToken(ctx, 1, 1, false); res.Remaining != 2 {
		t.Fatalf("RequestToken()=%v, want an answer from server 2", res)
	}
	if err := cfgs.Update(cluster.ClientConfig{}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res := c.RequestToken(ctx, 1, 1, false); res.Status != cluster.StatusFail {
		t.Fatalf("RequestToken() after unassigning=%v, want Fail", res)
	}
}

func TestKeepAlive(t *testing.T) {
	n := &network{}
	srv := &fakeServer{}
	n.serve(t, 1, srv)
	c, _ := newTestClient(t, n, cluster.ClientConfig{ServerHost: "token-server", ServerPort: 1, RequestTimeoutMs: 5000})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.KeepAlive(ctx, 10*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		srv.mu.Lock()
		pings := len(srv.namespaces)
		srv.mu.Unlock()
		if pings >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d pings after 5s, want 3", pings)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if got := srv.namespaces[0]; got != cluster.DefaultNamespace {
		t.Errorf("namespace=%q, want %q", got, cluster.DefaultNamespace)
	}
}
