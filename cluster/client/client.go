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

// Package client is the cluster token client: a cluster.TokenService that
// forwards requests to a remote token server over gRPC. Transport failures
// and timeouts become Fail results so callers fall back to local checks.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/cluster/clusterpb"
	"github.com/sluice-dev/sluice/monitoring"
	"github.com/sluice-dev/sluice/util/backoff"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

var errNoServer = errors.New("no token server assigned")

// DefaultPingInterval is how often KeepAlive pings the server.
const DefaultPingInterval = 3 * time.Second

// Options configures a Client.
type Options struct {
	// DialOptions are appended to the defaults, which dial without
	// transport security.
	DialOptions   []grpc.DialOption
	MetricFactory monitoring.MetricFactory
}

// Client is a cluster.TokenService backed by a token server. It follows the
// server address held by a ClientConfigManager.
type Client struct {
	cfgs     *cluster.ClientConfigManager
	dialOpts []grpc.DialOption
	requests monitoring.Counter

	mu   sync.RWMutex
	cfg  cluster.ClientConfig
	conn *grpc.ClientConn
	stub clusterpb.TokenServiceClient
}

var _ cluster.TokenService = (*Client)(nil)

// New creates a client of the server configured in cfgs and reconnects
// whenever the configuration changes.
func New(cfgs *cluster.ClientConfigManager, opts Options) (*Client, error) {
	mf := monitoring.OrInert(opts.MetricFactory)
	c := &Client{
		cfgs:     cfgs,
		dialOpts: append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts.DialOptions...),
		requests: mf.NewCounter("cluster_client_requests", "Token requests by method and status", "method", "status"),
	}
	if err := c.connect(cfgs.Config()); err != nil {
		return nil, err
	}
	cfgs.AddListener(func(cfg cluster.ClientConfig) {
		if err := c.connect(cfg); err != nil {
			klog.Errorf("Token client: applying config %+v: %v", cfg, err)
		}
	})
	return c, nil
}

// connect replaces the connection if cfg moves the server.
func (c *Client) connect(cfg cluster.ClientConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.conn
	if old != nil && c.cfg.Address() == cfg.Address() {
		c.cfg = cfg
		return nil
	}
	c.cfg, c.conn, c.stub = cfg, nil, nil
	if old != nil {
		if err := old.Close(); err != nil {
			klog.Warningf("Token client: closing connection: %v", err)
		}
	}
	addr := cfg.Address()
	if addr == "" {
		klog.Infof("Token client: no server assigned")
		return nil
	}
	conn, err := grpc.NewClient("passthrough:///"+addr, c.dialOpts...)
	if err != nil {
		return err
	}
	c.conn = conn
	c.stub = clusterpb.NewTokenServiceClient(conn)
	klog.Infof("Token client: using server %s, namespace %q", addr, cfg.NamespaceOrDefault())
	return nil
}

func (c *Client) current() (clusterpb.TokenServiceClient, cluster.ClientConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stub, c.cfg
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.stub = nil, nil
	return err
}

type rpcFunc func(ctx context.Context, stub clusterpb.TokenServiceClient) (*clusterpb.TokenResponse, error)

// call runs f with the configured request timeout.
func (c *Client) call(ctx context.Context, method string, timeout time.Duration, f rpcFunc) *cluster.TokenResult {
	stub, cfg := c.current()
	var res *cluster.TokenResult
	if stub == nil {
		res = cluster.FailResult(errNoServer)
	} else {
		if timeout == 0 {
			timeout = cfg.RequestTimeout()
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := f(ctx, stub)
		if err != nil {
			klog.V(1).Infof("Token client: %s: %v", method, err)
			res = cluster.FailResult(err)
		} else {
			res = resp.Result()
		}
	}
	c.requests.Inc(method, res.Status.String())
	return res
}

func badRequest(flowID, count int64) bool {
	return flowID <= 0 || count <= 0
}

// Ping binds this client to its namespace on the server.
func (c *Client) Ping(ctx context.Context) *cluster.TokenResult {
	_, cfg := c.current()
	return c.call(ctx, "Ping", cfg.ConnectTimeout(), func(ctx context.Context, stub clusterpb.TokenServiceClient) (*clusterpb.TokenResponse, error) {
		return stub.Ping(ctx, &clusterpb.PingRequest{Namespace: cfg.NamespaceOrDefault()})
	})
}

// KeepAlive pings the server every interval until ctx is done, so the
// server keeps this client connected. Failed pings are retried with
// backoff.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	b := backoff.Backoff{Min: interval / 10, Max: interval, Factor: 2, Jitter: true}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := b.Retry(ctx, func() error {
			if res := c.Ping(ctx); res.Status != cluster.StatusOK {
				return errors.New(res.String())
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			klog.Warningf("Token client: ping: %v", err)
		}
		b.Reset()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RequestToken implements cluster.TokenService.
func (c *Client) RequestToken(ctx context.Context, flowID, acquireCount int64, prioritized bool) *cluster.TokenResult {
	if badRequest(flowID, acquireCount) {
		return cluster.NewResult(cluster.StatusBadRequest)
	}
	return c.call(ctx, "RequestToken", 0, func(ctx context.Context, stub clusterpb.TokenServiceClient) (*clusterpb.TokenResponse, error) {
		return stub.RequestToken(ctx, &clusterpb.TokenRequest{FlowID: flowID, AcquireCount: acquireCount, Prioritized: prioritized})
	})
}

// RequestParamToken implements cluster.TokenService.
func (c *Client) RequestParamToken(ctx context.Context, flowID, acquireCount int64, params []string) *cluster.TokenResult {
	if badRequest(flowID, acquireCount) || len(params) == 0 {
		return cluster.NewResult(cluster.StatusBadRequest)
	}
	return c.call(ctx, "RequestParamToken", 0, func(ctx context.Context, stub clusterpb.TokenServiceClient) (*clusterpb.TokenResponse, error) {
		return stub.RequestParamToken(ctx, &clusterpb.TokenRequest{FlowID: flowID, AcquireCount: acquireCount, Params: params})
	})
}

// RequestBatchToken implements cluster.TokenService.
func (c *Client) RequestBatchToken(ctx context.Context, reqs []cluster.TokenRequest) *cluster.TokenResult {
	in := &clusterpb.BatchTokenRequest{Requests: make([]*clusterpb.TokenRequest, 0, len(reqs))}
	for _, r := range reqs {
		if badRequest(r.FlowID, r.AcquireCount) {
			return cluster.NewResult(cluster.StatusBadRequest)
		}
		in.Requests = append(in.Requests, clusterpb.FromRequest(r))
	}
	return c.call(ctx, "RequestBatchToken", 0, func(ctx context.Context, stub clusterpb.TokenServiceClient) (*clusterpb.TokenResponse, error) {
		return stub.RequestBatchToken(ctx, in)
	})
}

// RequestConcurrentToken implements cluster.TokenService.
func (c *Client) RequestConcurrentToken(ctx context.Context, flowID, acquireCount int64) *cluster.TokenResult {
	if badRequest(flowID, acquireCount) {
		return cluster.NewResult(cluster.StatusBadRequest)
	}
	return c.call(ctx, "RequestConcurrentToken", 0, func(ctx context.Context, stub clusterpb.TokenServiceClient) (*clusterpb.TokenResponse, error) {
		return stub.RequestConcurrentToken(ctx, &clusterpb.ConcurrentTokenRequest{FlowID: flowID, AcquireCount: acquireCount})
	})
}

// ReleaseConcurrentToken implements cluster.TokenService.
func (c *Client) ReleaseConcurrentToken(ctx context.Context, tokenID int64) *cluster.TokenResult {
	return c.call(ctx, "ReleaseConcurrentToken", 0, func(ctx context.Context, stub clusterpb.TokenServiceClient) (*clusterpb.TokenResponse, error) {
		return stub.ReleaseConcurrentToken(ctx, &clusterpb.ReleaseRequest{TokenID: tokenID})
	})
}
