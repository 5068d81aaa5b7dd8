// Copyright 2026 fanjia1024
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

package plan

// Decision 校验结论
type Decision string

const (
	Approve Decision = "APPROVE"
	Correct Decision = "CORRECT"
	Block   Decision = "BLOCK"
)

// Severity 违规严重度；critical 的违规不做改写
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Stage 校验点
type Stage string

const (
	StagePlan   Stage = "plan"
	StageResult Stage = "result"
)

// Verdict 一次校验的裁决；返回后不再修改，只会被新的裁决取代
type Verdict struct {
	Decision    Decision `json:"decision"`
	Replacement *Plan    `json:"replacement,omitempty"` // 仅 CORRECT
	Reason      string   `json:"reason,omitempty"`
	RuleID      string   `json:"rule_id,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
	Changes     []string `json:"changes,omitempty"`
	Stage       Stage    `json:"stage"`
}

// Approved 构造 APPROVE 裁决
func Approved(stage Stage) Verdict {
	return Verdict{Decision: Approve, Severity: SeverityNone, Stage: stage}
}

// Blocked 构造 BLOCK 裁决
func Blocked(stage Stage, ruleID, reason string, sev Severity) Verdict {
	if sev == "" {
		sev = SeverityError
	}
	return Verdict{Decision: Block, RuleID: ruleID, Reason: reason, Severity: sev, Stage: stage}
}

// Corrected 构造 CORRECT 裁决
func Corrected(replacement *Plan, ruleID string, changes []string) Verdict {
	return Verdict{
		Decision:    Correct,
		Replacement: replacement,
		RuleID:      ruleID,
		Reason:      "plan corrected",
		Severity:    SeverityWarning,
		Changes:     changes,
		Stage:       StagePlan,
	}
}
