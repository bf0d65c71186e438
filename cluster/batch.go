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

package cluster

// ComposeResults combines the results of the sub-requests of one logical
// check into a single verdict:
//
//   - if any result is Blocked, the composition is Blocked and identifies the
//     first blocking sub-request;
//   - otherwise if any result is a failure, the composition is the first
//     failure, so that the caller falls back for the whole check;
//   - otherwise if any result is ShouldWait, the composition is ShouldWait
//     with the largest wait, identifying that sub-request;
//   - otherwise the composition is OK with the smallest remaining count and no
//     attachments.
//
// reqs, if not nil, is parallel to results and used for identification.
// An empty batch composes to OK.
func ComposeResults(reqs []TokenRequest, results []*TokenResult) *TokenResult {
	reqAt := func(i int) *TokenRequest {
		if i < len(reqs) {
			return &reqs[i]
		}
		return nil
	}

	waitIdx, failIdx := -1, -1
	var maxWait int64
	for i, r := range results {
		switch {
		case r == nil:
			if failIdx < 0 {
				failIdx = i
			}
		case r.Status == StatusBlocked:
			ret := &TokenResult{Status: StatusBlocked, Remaining: r.Remaining}
			identify(ret, reqAt(i), i)
			return ret
		case r.Status == StatusShouldWait:
			if waitIdx < 0 || r.WaitMs > maxWait {
				waitIdx, maxWait = i, r.WaitMs
			}
		case r.IsFailure():
			if failIdx < 0 {
				failIdx = i
			}
		}
	}

	if failIdx >= 0 {
		ret := &TokenResult{Status: StatusFail}
		if r := results[failIdx]; r != nil {
			ret.Status = r.Status
			for k, v := range r.Attachments {
				if ret.Attachments == nil {
					ret.Attachments = make(map[string]string)
				}
				ret.Attachments[k] = v
			}
		}
		identify(ret, reqAt(failIdx), failIdx)
		return ret
	}
	if waitIdx >= 0 {
		ret := &TokenResult{Status: StatusShouldWait, WaitMs: maxWait}
		identify(ret, reqAt(waitIdx), waitIdx)
		return ret
	}

	ret := &TokenResult{Status: StatusOK}
	for i, r := range results {
		if i == 0 || r.Remaining < ret.Remaining {
			ret.Remaining = r.Remaining
		}
	}
	return ret
}
