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

// Package base holds the small types shared by the admission pipeline, the
// flow controllers and the adapters: entry direction, block errors and the
// verdict of a rule check.
package base

import "fmt"

// EntryType is the direction of traffic through a resource.
type EntryType int

const (
	// Inbound traffic is served by this process.
	Inbound EntryType = iota
	// Outbound traffic is sent by this process to a dependency.
	Outbound
)

func (t EntryType) String() string {
	switch t {
	case Inbound:
		return "IN"
	case Outbound:
		return "OUT"
	}
	return fmt.Sprintf("EntryType(%d)", int(t))
}

// BlockType identifies the kind of check that rejected a request.
type BlockType int

const (
	// BlockTypeFlow is a rejection by a flow rule.
	BlockTypeFlow BlockType = iota
	// BlockTypeParamFlow is a rejection by a parameter flow check.
	BlockTypeParamFlow
	// BlockTypeCluster is a rejection by the cluster token service with
	// local fallback disabled.
	BlockTypeCluster
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeFlow:
		return "FlowControl"
	case BlockTypeParamFlow:
		return "ParamFlowControl"
	case BlockTypeCluster:
		return "ClusterControl"
	}
	return fmt.Sprintf("BlockType(%d)", int(t))
}

// Rule is the view of a rule that a block error needs.
type Rule interface {
	// RuleID returns a stable identifier of the rule.
	RuleID() string
	// GradeName returns the metric the rule limits, e.g. "QPS".
	GradeName() string
}

// BlockError is returned for rejected requests. It is an expected outcome,
// not a fault, and adapters should run their fallback on it.
type BlockError struct {
	blockType BlockType
	resource  string
	rule      Rule
	msg       string
}

// NewBlockError creates a BlockError for resource, rejected by rule.
func NewBlockError(blockType BlockType, resource string, rule Rule, msg string) *BlockError {
	return &BlockError{blockType: blockType, resource: resource, rule: rule, msg: msg}
}

// BlockType returns the kind of check that rejected the request.
func (e *BlockError) BlockType() BlockType { return e.blockType }

// Resource returns the rejected resource.
func (e *BlockError) Resource() string { return e.resource }

// TriggeredRule returns the rule that rejected the request. It may be nil.
func (e *BlockError) TriggeredRule() Rule { return e.rule }

// Reason returns the stable block reason "<rule id>/<grade>", or the block
// type when no rule is attached.
func (e *BlockError) Reason() string {
	if e.rule == nil {
		return e.blockType.String()
	}
	return e.rule.RuleID() + "/" + e.rule.GradeName()
}

func (e *BlockError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("blocked by %s on %q: %s", e.blockType, e.resource, e.Reason())
	}
	return fmt.Sprintf("blocked by %s on %q: %s (%s)", e.blockType, e.resource, e.Reason(), e.msg)
}

// IsBlockError reports whether err is, or wraps, a *BlockError.
func IsBlockError(err error) bool {
	var be *BlockError
	return asBlockError(err, &be)
}
