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

package base

import "fmt"

// CheckStatus is the verdict of a single rule check.
type CheckStatus int

const (
	// CheckPass admits the request.
	CheckPass CheckStatus = iota
	// CheckBlocked rejects the request.
	CheckBlocked
	// CheckShouldWait admits the request after a bounded wait.
	CheckShouldWait
)

func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "Pass"
	case CheckBlocked:
		return "Blocked"
	case CheckShouldWait:
		return "ShouldWait"
	}
	return fmt.Sprintf("CheckStatus(%d)", int(s))
}

// CheckResult is returned by rule checkers.
type CheckResult struct {
	Status CheckStatus
	// WaitMs is set when Status is CheckShouldWait.
	WaitMs int64
	// Err is set when Status is CheckBlocked.
	Err *BlockError
	// Occupied is set when the checker already charged the pass to the
	// window the request runs in after waiting.
	Occupied bool
}

// Pass returns a passing result.
func Pass() CheckResult { return CheckResult{Status: CheckPass} }

// Wait returns a result admitting the request after waitMs.
func Wait(waitMs int64) CheckResult { return CheckResult{Status: CheckShouldWait, WaitMs: waitMs} }

// OccupiedWait returns a result admitting the request after waitMs, whose
// pass was charged ahead of time.
func OccupiedWait(waitMs int64) CheckResult {
	return CheckResult{Status: CheckShouldWait, WaitMs: waitMs, Occupied: true}
}

// Block returns a rejecting result.
func Block(err *BlockError) CheckResult { return CheckResult{Status: CheckBlocked, Err: err} }

// IsBlocked reports whether the result rejects the request.
func (r CheckResult) IsBlocked() bool { return r.Status == CheckBlocked }
