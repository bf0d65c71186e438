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

package clusterpb

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the full name of the token service.
const ServiceName = "sluice.cluster.v1.TokenService"

// Full method names of the token service.
const (
	MethodPing                   = "/" + ServiceName + "/Ping"
	MethodRequestToken           = "/" + ServiceName + "/RequestToken"
	MethodRequestParamToken      = "/" + ServiceName + "/RequestParamToken"
	MethodRequestBatchToken      = "/" + ServiceName + "/RequestBatchToken"
	MethodRequestConcurrentToken = "/" + ServiceName + "/RequestConcurrentToken"
	MethodReleaseConcurrentToken = "/" + ServiceName + "/ReleaseConcurrentToken"
)

// TokenServiceServer is the server API of the token service.
type TokenServiceServer interface {
	Ping(context.Context, *PingRequest) (*TokenResponse, error)
	RequestToken(context.Context, *TokenRequest) (*TokenResponse, error)
	RequestParamToken(context.Context, *TokenRequest) (*TokenResponse, error)
	RequestBatchToken(context.Context, *BatchTokenRequest) (*TokenResponse, error)
	RequestConcurrentToken(context.Context, *ConcurrentTokenRequest) (*TokenResponse, error)
	ReleaseConcurrentToken(context.Context, *ReleaseRequest) (*TokenResponse, error)
}

// RegisterTokenServiceServer registers srv with s.
func RegisterTokenServiceServer(s grpc.ServiceRegistrar, srv TokenServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// messagePtr constrains a pointer to a message struct.
type messagePtr[T any] interface {
	*T
	Message
}

func handler[T any, P messagePtr[T]](method string, call func(TokenServiceServer, context.Context, P) (*TokenResponse, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := P(new(T))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TokenServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		h := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(TokenServiceServer), ctx, req.(P))
		}
		return interceptor(ctx, in, info, h)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TokenServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: handler(MethodPing, TokenServiceServer.Ping)},
		{MethodName: "RequestToken", Handler: handler(MethodRequestToken, TokenServiceServer.RequestToken)},
		{MethodName: "RequestParamToken", Handler: handler(MethodRequestParamToken, TokenServiceServer.RequestParamToken)},
		{MethodName: "RequestBatchToken", Handler: handler(MethodRequestBatchToken, TokenServiceServer.RequestBatchToken)},
		{MethodName: "RequestConcurrentToken", Handler: handler(MethodRequestConcurrentToken, TokenServiceServer.RequestConcurrentToken)},
		{MethodName: "ReleaseConcurrentToken", Handler: handler(MethodReleaseConcurrentToken, TokenServiceServer.ReleaseConcurrentToken)},
	},
	Metadata: "cluster.proto",
}

// TokenServiceClient is the client API of the token service.
type TokenServiceClient interface {
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*TokenResponse, error)
	RequestToken(ctx context.Context, in *TokenRequest, opts ...grpc.CallOption) (*TokenResponse, error)
	RequestParamToken(ctx context.Context, in *TokenRequest, opts ...grpc.CallOption) (*TokenResponse, error)
	RequestBatchToken(ctx context.Context, in *BatchTokenRequest, opts ...grpc.CallOption) (*TokenResponse, error)
	RequestConcurrentToken(ctx context.Context, in *ConcurrentTokenRequest, opts ...grpc.CallOption) (*TokenResponse, error)
	ReleaseConcurrentToken(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*TokenResponse, error)
}

type tokenServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTokenServiceClient returns a client of the token service on cc. Calls
// use the token protocol codec.
func NewTokenServiceClient(cc grpc.ClientConnInterface) TokenServiceClient {
	return &tokenServiceClient{cc: cc}
}

func (c *tokenServiceClient) invoke(ctx context.Context, method string, in Message, opts []grpc.CallOption) (*TokenResponse, error) {
	out := new(TokenResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *tokenServiceClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	return c.invoke(ctx, MethodPing, in, opts)
}

func (c *tokenServiceClient) RequestToken(ctx context.Context, in *TokenRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	return c.invoke(ctx, MethodRequestToken, in, opts)
}

func (c *tokenServiceClient) RequestParamToken(ctx context.Context, in *TokenRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	return c.invoke(ctx, MethodRequestParamToken, in, opts)
}

func (c *tokenServiceClient) RequestBatchToken(ctx context.Context, in *BatchTokenRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	return c.invoke(ctx, MethodRequestBatchToken, in, opts)
}

func (c *tokenServiceClient) RequestConcurrentToken(ctx context.Context, in *ConcurrentTokenRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	return c.invoke(ctx, MethodRequestConcurrentToken, in, opts)
}

func (c *tokenServiceClient) ReleaseConcurrentToken(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	return c.invoke(ctx, MethodReleaseConcurrentToken, in, opts)
}
