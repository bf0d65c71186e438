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

// Package filesource reads rule documents from local files.
package filesource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/sluice-dev/sluice/datasource"
	"k8s.io/klog/v2"
)

// ProviderName is the name of the file source provider.
const ProviderName = "file"

func init() {
	if err := datasource.RegisterProvider(ProviderName, New); err != nil {
		klog.Fatalf("Failed to register rule source provider %v: %v", ProviderName, err)
	}
}

// Source polls a file. The file is read again only when its size or
// modification time changes.
type Source struct {
	path   string
	poller *datasource.Poller

	mu      sync.Mutex
	modTime time.Time
	size    int64
	data    []byte
}

// New returns a source of the file opts.Target.
func New(opts datasource.Options) (datasource.Source, error) {
	if opts.Target == "" {
		return nil, errors.New("filesource: no file given")
	}
	s := &Source{path: opts.Target}
	s.poller = datasource.NewPoller(ProviderName+":"+opts.Target, opts, s.fetch)
	return s, nil
}

func (s *Source) fetch(context.Context) ([]byte, error) {
	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil && fi.ModTime().Equal(s.modTime) && fi.Size() == s.size {
		return s.data, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	s.modTime, s.size, s.data = fi.ModTime(), fi.Size(), data
	return data, nil
}

// Watch implements datasource.Source.
func (s *Source) Watch(ctx context.Context, h datasource.Handler) error {
	return s.poller.Watch(ctx, h)
}

// Close implements datasource.Source.
func (s *Source) Close() error { return nil }
