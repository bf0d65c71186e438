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

// Package etcd starts embedded etcd servers for tests.
package etcd

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

const (
	// startAttempts bounds the retries on port races with other tests.
	startAttempts = 3
	readyTimeout  = 5 * time.Second
)

// Server is an embedded single-member etcd cluster and a client of it.
type Server struct {
	Etcd   *embed.Etcd
	Client *clientv3.Client
	dir    string
}

// Start starts a server storing its data in a new temporary directory and
// listening on free local ports. Close releases it.
func Start() (*Server, error) {
	dir, err := os.MkdirTemp("", "sluice-etcd-")
	if err != nil {
		return nil, err
	}
	s := &Server{dir: dir}

	for i := 0; i < startAttempts && s.Etcd == nil; i++ {
		s.Etcd, err = start(dir)
		if err != nil && !strings.Contains(err.Error(), "address already in use") {
			break
		}
	}
	if s.Etcd == nil {
		s.Close()
		if err == nil {
			err = errors.New("too many attempts")
		}
		return nil, fmt.Errorf("starting etcd: %v", err)
	}

	select {
	case <-s.Etcd.Server.ReadyNotify():
	case <-time.After(readyTimeout):
		s.Close()
		return nil, errors.New("timed out waiting for etcd to start")
	}

	s.Client, err = clientv3.New(clientv3.Config{
		Endpoints:   []string{s.Etcd.Config().ListenClientUrls[0].String()},
		DialTimeout: readyTimeout,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// StartT starts a server closed at the end of t.
func StartT(t testing.TB) *Server {
	t.Helper()
	s, err := Start()
	if err != nil {
		t.Fatalf("etcd.Start: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Close stops the server and removes its data.
func (s *Server) Close() {
	if s.Client != nil {
		s.Client.Close()
	}
	if s.Etcd != nil {
		s.Etcd.Close()
	}
	os.RemoveAll(s.dir)
}

func freeURL() (*url.URL, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return url.Parse("http://" + l.Addr().String())
}

func start(dir string) (*embed.Etcd, error) {
	clientURL, err := freeURL()
	if err != nil {
		return nil, err
	}
	peerURL, err := freeURL()
	if err != nil {
		return nil, err
	}

	cfg := embed.NewConfig()
	cfg.Dir = dir
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.InitialCluster = fmt.Sprintf("%s=%v", cfg.Name, peerURL)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	return embed.StartEtcd(cfg)
}
