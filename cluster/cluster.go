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

// Package cluster defines the cluster token protocol shared by the token
// client, the token server and the flow checker: token statuses, results,
// the TokenService contract and the composition of batched results.
package cluster

import (
	"context"
	"fmt"
	"strconv"
)

// TokenStatus is the verdict of a token request.
type TokenStatus int

// Token statuses. The numeric values are part of the wire protocol.
const (
	// StatusOK grants the request.
	StatusOK TokenStatus = 0
	// StatusBlocked rejects the request.
	StatusBlocked TokenStatus = 1
	// StatusShouldWait grants the request after WaitMs.
	StatusShouldWait TokenStatus = 2
	// StatusNoRuleExists means the server knows no rule for the flow id.
	StatusNoRuleExists TokenStatus = 3
	// StatusBadRequest means the request was malformed.
	StatusBadRequest TokenStatus = 4
	// StatusFail means the request could not be served, e.g. a transport
	// error or timeout. The caller falls back to local checks.
	StatusFail TokenStatus = 5
	// StatusTooManyRequest means the server shed the request because its
	// namespace exceeded the allowed request rate.
	StatusTooManyRequest TokenStatus = 6
	// StatusReleaseOK acknowledges a concurrency token release.
	StatusReleaseOK TokenStatus = 7
	// StatusNotFound means the released token was unknown or already
	// released.
	StatusNotFound TokenStatus = 8
)

func (s TokenStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBlocked:
		return "Blocked"
	case StatusShouldWait:
		return "ShouldWait"
	case StatusNoRuleExists:
		return "NoRuleExists"
	case StatusBadRequest:
		return "BadRequest"
	case StatusFail:
		return "Fail"
	case StatusTooManyRequest:
		return "TooManyRequest"
	case StatusReleaseOK:
		return "ReleaseOK"
	case StatusNotFound:
		return "NotFound"
	}
	return fmt.Sprintf("TokenStatus(%d)", int(s))
}

// Attachment keys set on results for diagnostics.
const (
	// AttachmentError holds the cause of a StatusFail result.
	AttachmentError = "error"
	// AttachmentFlowID holds the flow id of the sub-request that decided a
	// composed batch result.
	AttachmentFlowID = "flowId"
	// AttachmentIndex holds the position of that sub-request in the batch.
	AttachmentIndex = "index"
)

// TokenResult is the answer to a token request.
type TokenResult struct {
	Status    TokenStatus
	Remaining int64
	WaitMs    int64
	// TokenID identifies the lease granted by a concurrency request.
	TokenID     int64
	Attachments map[string]string
}

// NewResult returns a result carrying only status.
func NewResult(status TokenStatus) *TokenResult {
	return &TokenResult{Status: status}
}

// FailResult returns a StatusFail result recording err.
func FailResult(err error) *TokenResult {
	r := &TokenResult{Status: StatusFail}
	if err != nil {
		r.Attachments = map[string]string{AttachmentError: err.Error()}
	}
	return r
}

// IsFailure reports whether the result means the cluster could not decide,
// so the caller should fall back to its local checks.
func (r *TokenResult) IsFailure() bool {
	switch r.Status {
	case StatusOK, StatusBlocked, StatusShouldWait, StatusReleaseOK, StatusNotFound:
		return false
	}
	return true
}

func (r *TokenResult) String() string {
	return fmt.Sprintf("{status=%v remaining=%d waitMs=%d tokenId=%d attachments=%v}", r.Status, r.Remaining, r.WaitMs, r.TokenID, r.Attachments)
}

// TokenRequest is one entry of a batched token request. A request with
// Params is a parameter flow request.
type TokenRequest struct {
	FlowID       int64
	AcquireCount int64
	Prioritized  bool
	Params       []string
}

// TokenService decides token requests for cluster-mode rules. Every method
// returns a result; transport problems are reported as StatusFail.
type TokenService interface {
	// RequestToken asks for acquireCount QPS tokens of flowID.
	RequestToken(ctx context.Context, flowID, acquireCount int64, prioritized bool) *TokenResult
	// RequestParamToken asks for acquireCount tokens of flowID for each of
	// params.
	RequestParamToken(ctx context.Context, flowID, acquireCount int64, params []string) *TokenResult
	// RequestBatchToken decides several requests at once and returns their
	// composition, see ComposeResults.
	RequestBatchToken(ctx context.Context, reqs []TokenRequest) *TokenResult
	// RequestConcurrentToken asks for an acquireCount concurrency lease of
	// flowID. A granted result carries the lease's TokenID.
	RequestConcurrentToken(ctx context.Context, flowID, acquireCount int64) *TokenResult
	// ReleaseConcurrentToken releases a lease.
	ReleaseConcurrentToken(ctx context.Context, tokenID int64) *TokenResult
}

// identify records which sub-request decided a composed result.
func identify(r *TokenResult, req *TokenRequest, index int) {
	if r.Attachments == nil {
		r.Attachments = make(map[string]string)
	}
	if req != nil {
		r.Attachments[AttachmentFlowID] = strconv.FormatInt(req.FlowID, 10)
	}
	r.Attachments[AttachmentIndex] = strconv.Itoa(index)
}
