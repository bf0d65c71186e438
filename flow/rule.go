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

// Package flow implements flow rules and the controllers that enforce them:
// direct rejection, uniform-rate queueing, warm-up, token buckets and
// per-parameter limits, plus delegation of cluster-mode rules to a token
// service with fallback to the local controllers.
package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sluice-dev/sluice/quota"
)

// Grade is the metric a rule limits.
type Grade int

const (
	// GradeQPS limits passes per second.
	GradeQPS Grade = iota
	// GradeConcurrency limits requests in flight.
	GradeConcurrency
	// GradeParamQPS limits passes per second of each value of one argument.
	GradeParamQPS
)

var gradeNames = map[Grade]string{
	GradeQPS:         "QPS",
	GradeConcurrency: "Concurrency",
	GradeParamQPS:    "ParamQPS",
}

func (g Grade) String() string {
	if n, ok := gradeNames[g]; ok {
		return n
	}
	return fmt.Sprintf("Grade(%d)", int(g))
}

// ControlBehavior is what a QPS rule does with requests over its threshold.
type ControlBehavior int

const (
	// Reject blocks requests over the threshold.
	Reject ControlBehavior = iota
	// Throttling spaces requests evenly, queueing each for at most
	// MaxQueueingTimeMs.
	Throttling
	// WarmUp raises the threshold gradually from threshold/ColdFactor over
	// WarmUpPeriodSec after a quiet period.
	WarmUp
	// TokenBucket admits requests from a token bucket holding up to
	// Threshold+BurstCount tokens.
	TokenBucket
)

var behaviorNames = map[ControlBehavior]string{
	Reject:      "Reject",
	Throttling:  "Throttling",
	WarmUp:      "WarmUp",
	TokenBucket: "TokenBucket",
}

func (b ControlBehavior) String() string {
	if n, ok := behaviorNames[b]; ok {
		return n
	}
	return fmt.Sprintf("ControlBehavior(%d)", int(b))
}

// ThresholdType tells the token server how to interpret a cluster rule's
// threshold.
type ThresholdType int

const (
	// AvgLocal is a per-client threshold: the server multiplies it by the
	// number of connected clients of the namespace.
	AvgLocal ThresholdType = iota
	// Global is a threshold for the whole cluster.
	Global
)

var thresholdTypeNames = map[ThresholdType]string{
	AvgLocal: "AvgLocal",
	Global:   "Global",
}

func (t ThresholdType) String() string {
	if n, ok := thresholdTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ThresholdType(%d)", int(t))
}

// Origins with a special meaning in Rule.LimitOrigin.
const (
	// LimitOriginDefault limits all callers together.
	LimitOriginDefault = "default"
	// LimitOriginOther limits each caller not named by another rule of the
	// same resource.
	LimitOriginOther = "other"
)

// Defaults applied to zero rule fields.
const (
	DefaultColdFactor       = 3
	DefaultStatIntervalMs   = 1000
	DefaultResourceTimeout  = 2000
	DefaultMaxQueueingMs    = 500
	defaultOccupyTimeoutMs  = 500
	defaultParamCapacity    = 4000
	defaultParamSampleCount = 1
)

// ClusterConfig configures a rule checked by the token server.
type ClusterConfig struct {
	// FlowID identifies the rule on the token server.
	FlowID        int64         `yaml:"flowId"`
	ThresholdType ThresholdType `yaml:"thresholdType"`
	// FallbackToLocalWhenFail applies the local controller when the token
	// server cannot decide. Otherwise such requests are blocked.
	FallbackToLocalWhenFail bool `yaml:"fallbackToLocalWhenFail"`
	// ResourceTimeoutMs is how long a concurrency lease may be held before
	// the server reclaims it.
	ResourceTimeoutMs int64 `yaml:"resourceTimeoutMs"`
	// SampleCount and WindowIntervalMs shape the server-side metric. Zero
	// selects the server defaults.
	SampleCount      int   `yaml:"sampleCount"`
	WindowIntervalMs int64 `yaml:"windowIntervalMs"`
}

// Rule is a flow rule. Rules are values: they are replaced wholesale on
// reload and compared with ==.
type Rule struct {
	// ID identifies the rule in block reasons. If empty, one is derived.
	ID       string `yaml:"id"`
	Resource string `yaml:"resource"`
	Grade    Grade  `yaml:"grade"`
	// Threshold is the limit of Grade. Zero blocks every request.
	Threshold       float64         `yaml:"threshold"`
	ControlBehavior ControlBehavior `yaml:"controlBehavior"`
	// MaxQueueingTimeMs bounds the wait of Throttling and prioritized
	// requests.
	MaxQueueingTimeMs int64 `yaml:"maxQueueingTimeMs"`
	WarmUpPeriodSec   int64 `yaml:"warmUpPeriodSec"`
	WarmUpColdFactor  int64 `yaml:"warmUpColdFactor"`
	// BucketStrategy names the quota strategy of TokenBucket rules.
	BucketStrategy string `yaml:"bucketStrategy"`
	BurstCount     int64  `yaml:"burstCount"`
	// StatIntervalMs is the refill interval of TokenBucket rules and the
	// window of ParamQPS rules.
	StatIntervalMs int64 `yaml:"statIntervalMs"`
	// ParamIndex selects the argument counted by ParamQPS rules.
	ParamIndex  int    `yaml:"paramIndex"`
	LimitOrigin string `yaml:"limitOrigin"`

	ClusterMode   bool          `yaml:"clusterMode"`
	ClusterConfig ClusterConfig `yaml:"clusterConfig"`
}

// RuleID returns the rule's ID, or one derived from its content.
func (r *Rule) RuleID() string {
	if r.ID != "" {
		return r.ID
	}
	var b strings.Builder
	b.WriteString(r.Resource)
	b.WriteByte(':')
	b.WriteString(r.Grade.String())
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(r.Threshold, 'f', -1, 64))
	if r.ClusterMode {
		b.WriteString(":cluster:")
		b.WriteString(strconv.FormatInt(r.ClusterConfig.FlowID, 10))
	}
	return b.String()
}

// GradeName returns the name of the rule's grade.
func (r *Rule) GradeName() string {
	return r.Grade.String()
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s{resource=%q grade=%v threshold=%v behavior=%v origin=%q cluster=%v}", r.RuleID(), r.Resource, r.Grade, r.Threshold, r.ControlBehavior, r.LimitOrigin, r.ClusterMode)
}

func (r *Rule) limitOrigin() string {
	if r.LimitOrigin == "" {
		return LimitOriginDefault
	}
	return r.LimitOrigin
}

func (r *Rule) statIntervalMs() int64 {
	if r.StatIntervalMs <= 0 {
		return DefaultStatIntervalMs
	}
	return r.StatIntervalMs
}

func (r *Rule) coldFactor() int64 {
	if r.WarmUpColdFactor <= 1 {
		return DefaultColdFactor
	}
	return r.WarmUpColdFactor
}

// ValidateRule checks that r can be enforced.
func ValidateRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("nil rule")
	}
	if r.Resource == "" {
		return fmt.Errorf("rule %s: empty resource", r.RuleID())
	}
	if _, ok := gradeNames[r.Grade]; !ok {
		return fmt.Errorf("rule %s: invalid grade %v", r.RuleID(), r.Grade)
	}
	if _, ok := behaviorNames[r.ControlBehavior]; !ok {
		return fmt.Errorf("rule %s: invalid control behavior %v", r.RuleID(), r.ControlBehavior)
	}
	if r.Threshold < 0 {
		return fmt.Errorf("rule %s: negative threshold %v", r.RuleID(), r.Threshold)
	}
	if r.MaxQueueingTimeMs < 0 || r.StatIntervalMs < 0 || r.BurstCount < 0 {
		return fmt.Errorf("rule %s: negative duration or burst", r.RuleID())
	}
	if r.Grade != GradeQPS && r.ControlBehavior != Reject {
		return fmt.Errorf("rule %s: behavior %v requires grade QPS", r.RuleID(), r.ControlBehavior)
	}
	switch r.ControlBehavior {
	case WarmUp:
		if r.WarmUpPeriodSec <= 0 {
			return fmt.Errorf("rule %s: warm-up period must be positive", r.RuleID())
		}
		if r.WarmUpColdFactor == 1 || r.WarmUpColdFactor < 0 {
			return fmt.Errorf("rule %s: warm-up cold factor must be greater than 1", r.RuleID())
		}
	case TokenBucket:
		if r.Threshold < 1 {
			return fmt.Errorf("rule %s: token bucket needs a threshold of at least 1", r.RuleID())
		}
		if _, err := quota.NewTokenBucket(r.BucketStrategy, bucketConfig(r, nil)); err != nil {
			return fmt.Errorf("rule %s: %v", r.RuleID(), err)
		}
	}
	if r.Grade == GradeParamQPS && r.ParamIndex < 0 {
		return fmt.Errorf("rule %s: negative param index %d", r.RuleID(), r.ParamIndex)
	}
	if r.ClusterMode {
		c := r.ClusterConfig
		if c.FlowID <= 0 {
			return fmt.Errorf("rule %s: cluster rule needs a positive flow id", r.RuleID())
		}
		if _, ok := thresholdTypeNames[c.ThresholdType]; !ok {
			return fmt.Errorf("rule %s: invalid threshold type %v", r.RuleID(), c.ThresholdType)
		}
		if c.ResourceTimeoutMs < 0 || c.SampleCount < 0 || c.WindowIntervalMs < 0 {
			return fmt.Errorf("rule %s: negative cluster setting", r.RuleID())
		}
		if c.SampleCount > 0 && c.WindowIntervalMs > 0 && c.WindowIntervalMs%int64(c.SampleCount) != 0 {
			return fmt.Errorf("rule %s: window interval %d not divisible by sample count %d", r.RuleID(), c.WindowIntervalMs, c.SampleCount)
		}
	}
	return nil
}
