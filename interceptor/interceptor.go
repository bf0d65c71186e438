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

// Package interceptor defines gRPC interceptors that admit RPCs through an
// admission engine.
package interceptor

import (
	"context"

	"github.com/sluice-dev/sluice/admission"
	"github.com/sluice-dev/sluice/base"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// DefaultOriginKey is the metadata key naming the calling service.
const DefaultOriginKey = "sluice-origin"

// RequestProcessor splits the admission of one call into the stages before
// and after the handler runs.
type RequestProcessor interface {
	// Before enters the resource of the call. A non-nil error rejects the
	// call before the handler runs.
	Before(ctx context.Context, method string, req interface{}) (context.Context, error)

	// After exits the entry taken by Before, recording handlerErr. It must
	// be called on the same processor once Before succeeded.
	After(ctx context.Context, resp interface{}, handlerErr error)
}

// AdmissionInterceptor guards RPCs with the rules of an engine. The resource
// of a call is its full method name.
type AdmissionInterceptor struct {
	Engine *admission.Engine
	// EntryType is base.Inbound for servers and base.Outbound for clients.
	EntryType base.EntryType
	// OriginKey is the metadata key read as the caller's origin on inbound
	// calls. If empty, DefaultOriginKey is used.
	OriginKey string
	// ArgsOf extracts the arguments checked by parameter rules. It may be
	// nil.
	ArgsOf func(req interface{}) []interface{}

	// DryRun logs blocked calls instead of rejecting them.
	DryRun bool
}

// NewServer returns an interceptor for the inbound calls served by this
// process.
func NewServer(e *admission.Engine) *AdmissionInterceptor {
	return &AdmissionInterceptor{Engine: e, EntryType: base.Inbound}
}

// NewClient returns an interceptor for the outbound calls made by this
// process.
func NewClient(e *admission.Engine) *AdmissionInterceptor {
	return &AdmissionInterceptor{Engine: e, EntryType: base.Outbound}
}

// UnaryInterceptor admits unary RPCs served by a gRPC server.
func (i *AdmissionInterceptor) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	rp := i.NewProcessor()
	ctx, err := rp.Before(ctx, info.FullMethod, req)
	if err != nil {
		return nil, err
	}
	resp, err := handler(ctx, req)
	rp.After(ctx, resp, err)
	return resp, err
}

// UnaryClientInterceptor admits unary RPCs made by a gRPC client.
func (i *AdmissionInterceptor) UnaryClientInterceptor(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	rp := i.NewProcessor()
	ctx, err := rp.Before(ctx, method, req)
	if err != nil {
		return err
	}
	err = invoker(ctx, method, req, reply, cc, opts...)
	rp.After(ctx, reply, err)
	return err
}

// NewProcessor returns a RequestProcessor for the interceptor logic.
func (i *AdmissionInterceptor) NewProcessor() RequestProcessor {
	return &admissionProcessor{parent: i}
}

type admissionProcessor struct {
	parent *AdmissionInterceptor
	entry  *admission.Entry
}

func (ap *admissionProcessor) Before(ctx context.Context, method string, req interface{}) (context.Context, error) {
	i := ap.parent
	opts := []admission.EntryOption{admission.WithEntryType(i.EntryType)}
	if i.EntryType == base.Inbound {
		if origin := i.origin(ctx); origin != "" {
			opts = append(opts, admission.WithOrigin(origin))
		}
	}
	if i.ArgsOf != nil {
		opts = append(opts, admission.WithArgs(i.ArgsOf(req)...))
	}

	en, err := i.Engine.Entry(ctx, method, opts...)
	if err != nil {
		be := base.AsBlockError(err)
		if be == nil {
			return ctx, status.Errorf(codes.Internal, "admission of %s failed: %v", method, err)
		}
		if !i.DryRun {
			return ctx, status.Errorf(codes.ResourceExhausted, "%s blocked by %s", method, be.Reason())
		}
		klog.Warningf("(DryRun) Call of %s not blocked: %v", method, err)
		return ctx, nil
	}
	ap.entry = en
	return ctx, nil
}

func (ap *admissionProcessor) After(_ context.Context, _ interface{}, handlerErr error) {
	if ap.entry == nil {
		return
	}
	ap.entry.Exit(admission.WithError(handlerErr))
}

func (i *AdmissionInterceptor) origin(ctx context.Context) string {
	key := i.OriginKey
	if key == "" {
		key = DefaultOriginKey
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
