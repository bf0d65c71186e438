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

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/cluster/clusterpb"
	"github.com/sluice-dev/sluice/monitoring"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// grpcService serves a TokenServer to remote token clients.
type grpcService struct {
	s *TokenServer
}

// NewGRPCService returns the gRPC face of s. Its handlers expect the client
// address installed by AddressInterceptor.
func NewGRPCService(s *TokenServer) clusterpb.TokenServiceServer {
	return &grpcService{s: s}
}

// AddressInterceptor records the address of the calling peer in the
// request context, see ClientAddress.
func AddressInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ctx = WithClientAddress(ctx, p.Addr.String())
	}
	return handler(ctx, req)
}

// ServerOptions returns the options of a gRPC server exporting s: RPC
// statistics under statsPrefix and client address tracking.
func (s *TokenServer) ServerOptions(statsPrefix string, mf monitoring.MetricFactory) []grpc.ServerOption {
	stats := monitoring.NewRPCStatsInterceptor(s.ts, statsPrefix, mf)
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			stats.Interceptor(),
			AddressInterceptor,
		)),
	}
}

func (g *grpcService) Ping(ctx context.Context, req *clusterpb.PingRequest) (*clusterpb.TokenResponse, error) {
	return clusterpb.FromResult(g.s.Ping(ctx, req.Namespace)), nil
}

func (g *grpcService) RequestToken(ctx context.Context, req *clusterpb.TokenRequest) (*clusterpb.TokenResponse, error) {
	return clusterpb.FromResult(g.s.RequestToken(ctx, req.FlowID, req.AcquireCount, req.Prioritized)), nil
}

func (g *grpcService) RequestParamToken(ctx context.Context, req *clusterpb.TokenRequest) (*clusterpb.TokenResponse, error) {
	return clusterpb.FromResult(g.s.RequestParamToken(ctx, req.FlowID, req.AcquireCount, req.Params)), nil
}

func (g *grpcService) RequestBatchToken(ctx context.Context, req *clusterpb.BatchTokenRequest) (*clusterpb.TokenResponse, error) {
	reqs := make([]cluster.TokenRequest, len(req.Requests))
	for i, r := range req.Requests {
		if r == nil {
			return nil, status.Errorf(codes.InvalidArgument, "batch entry %d is empty", i)
		}
		reqs[i] = r.Request()
	}
	return clusterpb.FromResult(g.s.RequestBatchToken(ctx, reqs)), nil
}

func (g *grpcService) RequestConcurrentToken(ctx context.Context, req *clusterpb.ConcurrentTokenRequest) (*clusterpb.TokenResponse, error) {
	return clusterpb.FromResult(g.s.RequestConcurrentToken(ctx, req.FlowID, req.AcquireCount)), nil
}

func (g *grpcService) ReleaseConcurrentToken(ctx context.Context, req *clusterpb.ReleaseRequest) (*clusterpb.TokenResponse, error) {
	return clusterpb.FromResult(g.s.ReleaseConcurrentToken(ctx, req.TokenID)), nil
}
