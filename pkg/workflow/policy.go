// Copyright 2026 Flowmatic Authors
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

package workflow

import (
	"math"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/flowmatic-io/flowmatic/pkg/store"
)

// RetryPolicy is the decoded retry_config of a step.
type RetryPolicy struct {
	MaxRetries     int     `mapstructure:"maxRetries"`
	InitialDelayMs int     `mapstructure:"initialDelayMs"`
	Multiplier     float64 `mapstructure:"multiplier"`
	MaxDelayMs     int     `mapstructure:"maxDelayMs"`
}

// ApprovalPolicy is the decoded approval_config of a step.
type ApprovalPolicy struct {
	RequiredRole   string `mapstructure:"requiredRole"`
	TimeoutMinutes int    `mapstructure:"timeoutMinutes"`
}

// RetryPolicyFrom decodes a retry_config blob, applying defaults. An
// undecodable blob degrades to no retries.
func RetryPolicyFrom(cfg store.JSONMap) RetryPolicy {
	policy := RetryPolicy{}
	if cfg != nil {
		_ = weakDecode(map[string]interface{}(cfg), &policy)
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelayMs <= 0 {
		policy.InitialDelayMs = 1000
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}
	return policy
}

// Delay computes the backoff before retry number attempt+1:
// min(initial * multiplier^attempt, max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelayMs) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelayMs > 0 && delay > float64(p.MaxDelayMs) {
		delay = float64(p.MaxDelayMs)
	}
	return time.Duration(delay) * time.Millisecond
}

// ApprovalPolicyFrom decodes an approval_config blob. Timeout defaults to
// one hour.
func ApprovalPolicyFrom(cfg store.JSONMap) ApprovalPolicy {
	policy := ApprovalPolicy{}
	if cfg != nil {
		_ = weakDecode(map[string]interface{}(cfg), &policy)
	}
	if policy.TimeoutMinutes <= 0 {
		policy.TimeoutMinutes = 60
	}
	return policy
}

// weakDecode tolerates the float-typed numbers JSON decoding produces.
func weakDecode(input map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
