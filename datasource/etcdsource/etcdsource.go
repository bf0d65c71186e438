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

// Package etcdsource reads rule documents from an etcd key and follows its
// changes with a watch.
package etcdsource

import (
	"context"
	"errors"
	"time"

	"github.com/sluice-dev/sluice/datasource"
	"github.com/sluice-dev/sluice/monitoring"
	"github.com/sluice-dev/sluice/util/backoff"
	"github.com/sluice-dev/sluice/util/clock"
	"github.com/sluice-dev/sluice/util/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

// ProviderName is the name of the etcd source provider.
const ProviderName = "etcd"

func init() {
	if err := datasource.RegisterProvider(ProviderName, newFromOptions); err != nil {
		klog.Fatalf("Failed to register rule source provider %v: %v", ProviderName, err)
	}
}

// Source watches one etcd key.
type Source struct {
	client  *clientv3.Client
	owned   bool
	key     string
	name    string
	updates monitoring.Counter
	retry   backoff.Backoff
	ts      clock.TimeSource
}

func newFromOptions(opts datasource.Options) (datasource.Source, error) {
	if opts.Address == "" {
		return nil, errors.New("etcdsource: no etcd servers given")
	}
	c, err := etcd.NewClient(opts.Address)
	if err != nil {
		return nil, err
	}
	s, err := New(c, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New returns a source of the key opts.Target read with client. Closing the
// source leaves client open.
func New(client *clientv3.Client, opts datasource.Options) (*Source, error) {
	if opts.Target == "" {
		return nil, errors.New("etcdsource: no key given")
	}
	ts := opts.TimeSource
	if ts == nil {
		ts = clock.System
	}
	return &Source{
		client:  client,
		ts:      ts,
		key:     opts.Target,
		name:    ProviderName + ":" + opts.Target,
		updates: datasource.UpdatesCounter(opts.MetricFactory),
		retry: backoff.Backoff{
			Min:        100 * time.Millisecond,
			Max:        10 * time.Second,
			Factor:     2,
			Jitter:     true,
			TimeSource: ts,
		},
	}, nil
}

// load applies the current value of the key and returns the revision it
// was read at.
func (s *Source) load(ctx context.Context, h datasource.Handler) (int64, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return 0, err
	}
	var data []byte
	if len(resp.Kvs) > 0 {
		data = resp.Kvs[0].Value
	}
	datasource.Apply(s.name, s.updates, h, data)
	return resp.Header.Revision, nil
}

// Watch implements datasource.Source. The key is read again whenever the
// watch breaks, e.g. after a compaction.
func (s *Source) Watch(ctx context.Context, h datasource.Handler) error {
	for ctx.Err() == nil {
		var rev int64
		err := s.retry.Retry(ctx, func() error {
			var err error
			if rev, err = s.load(ctx, h); err != nil {
				klog.Warningf("Rule source %s: %v", s.name, err)
				s.updates.Inc(s.name, "error")
			}
			return err
		})
		if err != nil {
			break
		}
		s.retry.Reset()
		s.follow(ctx, h, rev+1)
		if clock.SleepSource(ctx, s.retry.Duration(), s.ts) != nil {
			break
		}
	}
	return nil
}

// follow applies the changes of the key from revision rev until the watch
// ends.
func (s *Source) follow(ctx context.Context, h datasource.Handler, rev int64) {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()
	for wr := range s.client.Watch(wctx, s.key, clientv3.WithRev(rev)) {
		if err := wr.Err(); err != nil {
			klog.Warningf("Rule source %s: watch: %v", s.name, err)
			return
		}
		for _, ev := range wr.Events {
			if ev.Type == clientv3.EventTypeDelete {
				datasource.Apply(s.name, s.updates, h, nil)
				continue
			}
			datasource.Apply(s.name, s.updates, h, ev.Kv.Value)
		}
	}
}

// Close implements datasource.Source.
func (s *Source) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
