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

package server

import (
	"context"
	"net"
	"testing"

	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/cluster/client"
	"github.com/sluice-dev/sluice/cluster/clusterpb"
	"github.com/sluice-dev/sluice/monitoring"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestGRPCService(t *testing.T) {
	env := newServerEnv(t, Config{}, qpsRule(1, 2), concurrencyRule(111, 1))
	mf := monitoring.InertMetricFactory{}

	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer(env.s.ServerOptions("test", mf)...)
	clusterpb.RegisterTokenServiceServer(srv, NewGRPCService(env.s))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cfgs, err := cluster.NewClientConfigManager(cluster.ClientConfig{
		ServerHost:       "token-server",
		ServerPort:       18730,
		RequestTimeoutMs: 5000,
		Namespace:        testNamespace,
	})
	if err != nil {
		t.Fatalf("NewClientConfigManager: %v", err)
	}
	dial := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	c, err := client.New(cfgs, client.Options{DialOptions: []grpc.DialOption{grpc.WithContextDialer(dial)}})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	if res := c.Ping(ctx); res.Status != cluster.StatusOK {
		t.Fatalf("Ping: %v", res)
	}
	addrs := env.s.Connections().Addresses()
	if len(addrs) != 1 {
		t.Fatalf("Addresses() = %v, want one client", addrs)
	}
	if ns, _ := env.s.Connections().Namespace(addrs[0]); ns != testNamespace {
		t.Errorf("client namespace = %q, want %q", ns, testNamespace)
	}

	if res := c.RequestToken(ctx, 1, 2, false); res.Status != cluster.StatusOK {
		t.Errorf("RequestToken: %v, want OK", res)
	}
	if res := c.RequestBatchToken(ctx, []cluster.TokenRequest{{FlowID: 1, AcquireCount: 1}}); res.Status != cluster.StatusBlocked || res.Attachments[cluster.AttachmentFlowID] != "1" {
		t.Errorf("RequestBatchToken: %v, want Blocked by flow 1", res)
	}

	lease := c.RequestConcurrentToken(ctx, 111, 1)
	if lease.Status != cluster.StatusOK || lease.TokenID == 0 {
		t.Fatalf("RequestConcurrentToken: %v, want a lease", lease)
	}
	l, ok := env.s.Leases().Lookup(lease.TokenID)
	if !ok || l.Address != addrs[0] {
		t.Errorf("Lookup(%d) = %+v, %v, want a lease of %s", lease.TokenID, l, ok, addrs[0])
	}
	if res := c.ReleaseConcurrentToken(ctx, lease.TokenID); res.Status != cluster.StatusReleaseOK {
		t.Errorf("ReleaseConcurrentToken: %v, want ReleaseOK", res)
	}
	if res := c.ReleaseConcurrentToken(ctx, lease.TokenID); res.Status != cluster.StatusNotFound {
		t.Errorf("second ReleaseConcurrentToken: %v, want NotFound", res)
	}
}

func TestClientAddress(t *testing.T) {
	if got := ClientAddress(context.Background()); got != EmbeddedAddress {
		t.Errorf("ClientAddress() = %q, want %q", got, EmbeddedAddress)
	}
	if got := ClientAddress(WithClientAddress(context.Background(), "10.1.1.1:80")); got != "10.1.1.1:80" {
		t.Errorf("ClientAddress() = %q, want 10.1.1.1:80", got)
	}
}
