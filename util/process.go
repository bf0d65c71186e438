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

// Package util holds process helpers shared by the binaries.
package util

import (
	"context"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

// AwaitSignal blocks until SIGINT or SIGTERM arrives, then calls doneFn.
// It returns without calling doneFn once ctx is done.
func AwaitSignal(ctx context.Context, doneFn func()) {
	sctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sctx.Done()
	if err := ctx.Err(); err != nil {
		klog.Infof("AwaitSignal canceled: %v", err)
		return
	}
	klog.Warning("Termination signal received")
	doneFn()
}
