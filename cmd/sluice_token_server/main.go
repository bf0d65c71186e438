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

// The sluice_token_server binary decides cluster flow control tokens for
// token clients and serves the Envoy rate limit service.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/sluice-dev/sluice/cluster"
	"github.com/sluice-dev/sluice/cluster/clusterpb"
	"github.com/sluice-dev/sluice/cluster/redissvc"
	"github.com/sluice-dev/sluice/cluster/server"
	"github.com/sluice-dev/sluice/cluster/server/envoyrls"
	"github.com/sluice-dev/sluice/cmd"
	"github.com/sluice-dev/sluice/cmd/internal/serverutil"
	"github.com/sluice-dev/sluice/datasource"
	"github.com/sluice-dev/sluice/flow"
	"github.com/sluice-dev/sluice/monitoring"
	"github.com/sluice-dev/sluice/monitoring/prometheus"
	"github.com/sluice-dev/sluice/quota/redistb"
	"github.com/sluice-dev/sluice/util/clock"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	// Register supported rule sources.
	_ "github.com/sluice-dev/sluice/datasource/etcdsource"
	_ "github.com/sluice-dev/sluice/datasource/filesource"
	_ "github.com/sluice-dev/sluice/datasource/sqlsource"
)

var (
	rpcEndpoint  = flag.String("rpc_endpoint", "localhost:18730", "Endpoint for RPC requests (host:port)")
	httpEndpoint = flag.String("http_endpoint", "localhost:18731", "Endpoint for HTTP metrics and health checks (host:port, empty means disabled)")
	tlsCertFile  = flag.String("tls_cert_file", "", "Path to the TLS server certificate. If unset, the server will use unsecured connections.")
	tlsKeyFile   = flag.String("tls_key_file", "", "Path to the TLS server key. If unset, the server will use unsecured connections.")
	statsPrefix  = flag.String("stats_prefix", "token_server", "Prefix of the RPC statistics metrics")

	tokenBackend = flag.String("token_backend", "local", "Where tokens are decided. One of: local, redis. The redis backend only serves the Envoy rate limit service.")
	redisAddress = flag.String("redis_address", "localhost:6379", "Address of the Redis server of --token_backend=redis")
	redisPrefix  = flag.String("redis_key_prefix", redissvc.DefaultKeyPrefix, "Prefix of the Redis keys of --token_backend=redis")

	ruleSource       = flag.String("rule_source", "file", fmt.Sprintf("Rule source to use. One of: %v", datasource.Providers()))
	ruleAddress      = flag.String("rule_address", "", "Address of the rule store: comma-separated etcd servers or a database DSN")
	ruleSQLDriver    = flag.String("rule_sql_driver", "mysql", "Database driver of --rule_source=sql. One of: mysql, postgres, pgx")
	rulePollInterval = flag.Duration("rule_poll_interval", datasource.DefaultPollInterval, "How often polling rule sources look for changes")
	flowRules        = flag.String("flow_rules", "", "Comma-separated namespace=target pairs naming the flow rule document of each namespace, e.g. default=/etc/sluice/rules.yaml")
	envoyRules       = flag.String("envoy_rules", "", "Target of the Envoy rate limit rule document. Empty disables the Envoy rate limit service.")

	exceedCount          = flag.Float64("exceed_count", server.DefaultExceedCount, "Factor applied to every cluster rule threshold")
	maxOccupyRatio       = flag.Float64("max_occupy_ratio", server.DefaultMaxOccupyRatio, "Fraction of a threshold prioritized requests may borrow from future windows")
	sampleCount          = flag.Int("sample_count", server.DefaultSampleCount, "Buckets of the flow metrics of rules without their own")
	windowIntervalMs     = flag.Int64("window_interval_ms", server.DefaultIntervalMs, "Window of the flow metrics of rules without their own, in milliseconds")
	maxAllowedQPS        = flag.Float64("max_allowed_qps", server.DefaultMaxAllowedQPS, "Token requests served per namespace per second, negative disables the limit")
	clientOfflineTimeout = flag.Duration("client_offline_timeout", server.DefaultClientOfflineTimeoutMs*time.Millisecond, "Silence after which a client is disconnected and its leases reclaimed")
	sweepInterval        = flag.Duration("sweep_interval", server.DefaultSweepIntervalMs*time.Millisecond, "Time between connection and lease sweeps")

	configFile = flag.String("config", "", "Config file containing flags, file contents can be overridden by command line flags")
)

// parseTargets splits a list of namespace=target pairs.
func parseTargets(s string) (map[string]string, error) {
	targets := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		ns, target, ok := strings.Cut(pair, "=")
		if !ok || ns == "" || target == "" {
			return nil, fmt.Errorf("malformed namespace=target pair %q", pair)
		}
		if _, dup := targets[ns]; dup {
			return nil, fmt.Errorf("namespace %q named twice", ns)
		}
		targets[ns] = target
	}
	return targets, nil
}

// watcher returns a background function feeding the document target into h.
func watcher(target string, mf monitoring.MetricFactory, h datasource.Handler) (func(context.Context) error, error) {
	src, err := datasource.NewSource(*ruleSource, datasource.Options{
		Target:        target,
		Address:       *ruleAddress,
		Driver:        *ruleSQLDriver,
		PollInterval:  *rulePollInterval,
		MetricFactory: mf,
	})
	if err != nil {
		return nil, fmt.Errorf("rule source %s for %q: %v", *ruleSource, target, err)
	}
	return func(ctx context.Context) error {
		defer src.Close()
		klog.Infof("Watching rules %q of source %s", target, *ruleSource)
		return src.Watch(ctx, h)
	}, nil
}

func serverConfig() server.Config {
	return server.Config{
		ExceedCount:            *exceedCount,
		MaxOccupyRatio:         *maxOccupyRatio,
		SampleCount:            *sampleCount,
		IntervalMs:             *windowIntervalMs,
		MaxAllowedQPS:          *maxAllowedQPS,
		ClientOfflineTimeoutMs: clientOfflineTimeout.Milliseconds(),
		SweepIntervalMs:        sweepInterval.Milliseconds(),
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configFile != "" {
		if err := cmd.ParseFlagFile(*configFile); err != nil {
			klog.Exitf("Failed to load flags from config file %q: %s", *configFile, err)
		}
	}

	klog.CopyStandardLogTo("WARNING")
	klog.Info("**** Token Server Starting ****")

	ctx := context.Background()
	mf := prometheus.MetricFactory{}
	rules := flow.NewRuleManager(nil)

	targets, err := parseTargets(*flowRules)
	if err != nil {
		klog.Exitf("Invalid --flow_rules: %v", err)
	}
	var background []func(context.Context) error
	for ns, target := range targets {
		w, err := watcher(target, mf, datasource.FlowRules(rules, ns))
		if err != nil {
			klog.Exitf("Failed to create rule source: %v", err)
		}
		background = append(background, w)
	}
	if *envoyRules != "" {
		w, err := watcher(*envoyRules, mf, envoyrls.Handler(rules))
		if err != nil {
			klog.Exitf("Failed to create rule source: %v", err)
		}
		background = append(background, w)
	}

	m := &serverutil.Main{
		RPCEndpoint:  *rpcEndpoint,
		HTTPEndpoint: *httpEndpoint,
		TLSCertFile:  *tlsCertFile,
		TLSKeyFile:   *tlsKeyFile,
		Background:   background,
	}

	var tokens cluster.TokenService
	switch *tokenBackend {
	case "local":
		ts, err := server.New(server.Options{Config: serverConfig(), Rules: rules, MetricFactory: mf})
		if err != nil {
			klog.Exitf("Failed to create token server: %v", err)
		}
		tokens = ts
		m.ServerOptions = ts.ServerOptions(*statsPrefix, mf)
		m.RegisterServerFn = func(s *grpc.Server) error {
			clusterpb.RegisterTokenServiceServer(s, server.NewGRPCService(ts))
			return nil
		}
		m.Background = append(m.Background, func(ctx context.Context) error {
			ts.Run(ctx)
			return nil
		})
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddress})
		tb := redistb.New(rdb)
		if err := tb.Load(ctx); err != nil {
			klog.Warningf("Failed to preload the token bucket script: %v", err)
		}
		tokens = redissvc.New(tb, rules, redissvc.Options{KeyPrefix: *redisPrefix, MetricFactory: mf})
		m.ServerOptions = []grpc.ServerOption{
			grpc.UnaryInterceptor(monitoring.NewRPCStatsInterceptor(clock.System, *statsPrefix, mf).Interceptor()),
		}
		m.Cleanup = rdb.Close
		m.IsHealthy = func(context.Context) error { return rdb.Ping().Err() }
	default:
		klog.Exitf("Unknown --token_backend %q", *tokenBackend)
	}

	if *envoyRules != "" {
		rls := envoyrls.New(tokens, rules, mf)
		register := m.RegisterServerFn
		m.RegisterServerFn = func(s *grpc.Server) error {
			if register != nil {
				if err := register(s); err != nil {
					return err
				}
			}
			rls.Register(s)
			return nil
		}
	}

	if err := m.Run(ctx); err != nil {
		klog.Exitf("Server exited with error: %v", err)
	}
}
