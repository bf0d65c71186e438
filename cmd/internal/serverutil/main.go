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

// Package serverutil holds code for running Sluice servers.
package serverutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sluice-dev/sluice/util"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"k8s.io/klog/v2"
)

// DefaultHealthyDeadline bounds IsHealthy calls made by /healthz.
const DefaultHealthyDeadline = 5 * time.Second

// Main encapsulates the data and logic to start a Sluice server.
type Main struct {
	// Endpoints for RPC and HTTP servers.
	// HTTP is optional, if empty it'll not be bound.
	RPCEndpoint, HTTPEndpoint string

	// TLS Certificate and Key files for the server.
	TLSCertFile, TLSKeyFile string

	// ServerOptions are passed to the gRPC server, e.g. its interceptors.
	ServerOptions []grpc.ServerOption
	// RegisterServerFn is called to register RPC services.
	RegisterServerFn func(*grpc.Server) error

	// Background functions run until the server stops, which cancels their
	// context. An error returned by one of them stops the server.
	Background []func(ctx context.Context) error

	// IsHealthy will be called whenever "/healthz" is called on the mux.
	// A nil return value from this function will result in a 200-OK response
	// on the /healthz endpoint.
	IsHealthy func(context.Context) error
	// HealthyDeadline is the maximum duration to wait for a successful
	// IsHealthy() call.
	HealthyDeadline time.Duration

	// Cleanup is called once everything stopped. It may be nil.
	Cleanup func() error
}

func (m *Main) healthz(rw http.ResponseWriter, req *http.Request) {
	if m.IsHealthy != nil {
		ctx, cancel := context.WithTimeout(req.Context(), m.HealthyDeadline)
		defer cancel()
		if err := m.IsHealthy(ctx); err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			rw.Write([]byte(err.Error()))
			return
		}
	}
	rw.Write([]byte("ok"))
}

// Run starts the configured server. Blocks until ctx is done, a termination
// signal arrives, or a server or background function fails.
func (m *Main) Run(ctx context.Context) error {
	if m.HealthyDeadline == 0 {
		m.HealthyDeadline = DefaultHealthyDeadline
	}
	if m.Cleanup != nil {
		defer func() {
			if err := m.Cleanup(); err != nil {
				klog.Errorf("Cleanup: %v", err)
			}
		}()
	}

	srv, err := m.newGRPCServer()
	if err != nil {
		return err
	}
	if m.RegisterServerFn != nil {
		if err := m.RegisterServerFn(srv); err != nil {
			return err
		}
	}
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	lis, err := net.Listen("tcp", m.RPCEndpoint)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		util.AwaitSignal(ctx, cancel)
		return nil
	})

	g.Go(func() error {
		klog.Infof("RPC server starting on %v", lis.Addr())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	var httpSrv *http.Server
	if endpoint := m.HTTPEndpoint; endpoint != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", m.healthz)
		httpSrv = &http.Server{Addr: endpoint, Handler: mux}

		g.Go(func() error {
			klog.Infof("HTTP server starting on %v", endpoint)
			var err error
			// Let http.ListenAndServeTLS handle the error case when only one of the flags is set.
			if m.TLSCertFile != "" || m.TLSKeyFile != "" {
				err = httpSrv.ListenAndServeTLS(m.TLSCertFile, m.TLSKeyFile)
			} else {
				err = httpSrv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	for _, f := range m.Background {
		f := f
		g.Go(func() error { return f(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		klog.Infof("Stopping server, about to exit")
		hs.Shutdown()
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil {
				klog.Warningf("HTTP server shutdown: %v", err)
			}
		}
		srv.GracefulStop()
		return nil
	})

	err = g.Wait()
	klog.Flush()
	return err
}

// newGRPCServer creates the gRPC server of m.
func (m *Main) newGRPCServer() (*grpc.Server, error) {
	serverOpts := append([]grpc.ServerOption(nil), m.ServerOptions...)

	// Let credentials.NewServerTLSFromFile handle the error case when only one of the flags is set.
	if m.TLSCertFile != "" || m.TLSKeyFile != "" {
		serverCreds, err := credentials.NewServerTLSFromFile(m.TLSCertFile, m.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(serverCreds))
	}

	return grpc.NewServer(serverOpts...), nil
}
