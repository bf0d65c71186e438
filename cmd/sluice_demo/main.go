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

// The sluice_demo binary drives a resource through the admission engine in
// cluster mode and reports the passed and blocked calls every second.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sluice-dev/sluice/admission"
	"github.com/sluice-dev/sluice/base"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/cluster/client"
	"github.com/sluice-dev/sluice/cmd"
	"github.com/sluice-dev/sluice/flow"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	serverHost       = flag.String("server_host", "localhost", "Host of the token server")
	serverPort       = flag.Int("server_port", 18730, "Port of the token server")
	namespace        = flag.String("namespace", cluster.DefaultNamespace, "Namespace of this client on the token server")
	requestTimeoutMs = flag.Int64("request_timeout_ms", cluster.DefaultRequestTimeoutMs, "Deadline of a token request in milliseconds")

	resource  = flag.String("resource", "demo", "Resource to enter")
	flowID    = flag.Int64("flow_id", 1, "Flow id of the cluster rule of --resource, as loaded into the token server")
	threshold = flag.Float64("threshold", 10, "Local QPS threshold used when the token server fails")
	qps       = flag.Int("qps", 20, "Calls per second made by each worker")
	workers   = flag.Int("workers", 2, "Number of concurrent callers")
	duration  = flag.Duration("duration", 10*time.Second, "How long to run, zero runs until interrupted")

	configFile = flag.String("config", "", "Config file containing flags, file contents can be overridden by command line flags")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configFile != "" {
		if err := cmd.ParseFlagFile(*configFile); err != nil {
			klog.Exitf("Failed to load flags from config file %q: %s", *configFile, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	cfgs, err := cluster.NewClientConfigManager(cluster.ClientConfig{
		ServerHost:       *serverHost,
		ServerPort:       *serverPort,
		RequestTimeoutMs: *requestTimeoutMs,
		Namespace:        *namespace,
	})
	if err != nil {
		klog.Exitf("Invalid token server config: %v", err)
	}
	tokens, err := client.New(cfgs, client.Options{})
	if err != nil {
		klog.Exitf("Failed to create token client: %v", err)
	}
	defer tokens.Close()

	e, err := admission.NewEngine(admission.Options{TokenService: tokens})
	if err != nil {
		klog.Exitf("Failed to create engine: %v", err)
	}
	e.Rules().LoadRules("demo", []flow.Rule{{
		Resource:    *resource,
		Grade:       flow.GradeQPS,
		Threshold:   *threshold,
		ClusterMode: true,
		ClusterConfig: flow.ClusterConfig{
			FlowID:                  *flowID,
			FallbackToLocalWhenFail: true,
		},
	}})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tokens.KeepAlive(ctx, client.DefaultPingInterval)
		return nil
	})
	for i := 0; i < *workers; i++ {
		g.Go(func() error { return call(ctx, e) })
	}
	g.Go(func() error { return report(ctx, e) })
	if err := g.Wait(); err != nil {
		klog.Exitf("Demo failed: %v", err)
	}
}

// call enters the resource at --qps until ctx is done.
func call(ctx context.Context, e *admission.Engine) error {
	rl := ratelimit.New(*qps)
	for ctx.Err() == nil {
		rl.Take()
		en, err := e.Entry(ctx, *resource, admission.WithEntryType(base.Outbound))
		if err != nil {
			if base.IsBlockError(err) {
				continue
			}
			return err
		}
		en.Exit()
	}
	return nil
}

// report prints the statistics of the resource every second.
func report(ctx context.Context, e *admission.Engine) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		rn, ok := e.Registry().LookupResource(*resource)
		if !ok {
			continue
		}
		fmt.Printf("%s pass=%.1f/s block=%.1f/s threads=%d\n", time.Now().Format(time.TimeOnly), rn.PassQPS(), rn.BlockQPS(), rn.CurThreads())
	}
}
