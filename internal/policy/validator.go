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

package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"record-gate/internal/capability"
	"record-gate/internal/plan"
	"record-gate/pkg/log"
	"record-gate/pkg/metrics"
	"record-gate/pkg/tracing"
)

// Capabilities 校验所需的能力目录视图（*capability.Registry 实现）
type Capabilities interface {
	Descriptor(name string) (capability.Descriptor, bool)
	Validate(step plan.Step) error
}

// Stats 校验统计
type Stats struct {
	Approved   int64            `json:"approved"`
	Corrected  int64            `json:"corrected"`
	Blocked    int64            `json:"blocked"`
	Violations map[string]int64 `json:"violations"`
}

// Validator 授权闸门：计划前置校验与步骤结果后置校验
// 除统计外不持有状态；同一计划与规则集得到同一裁决
type Validator struct {
	caps     Capabilities
	reasoner Reasoner
	logger   *log.Logger

	mu    sync.Mutex
	stats Stats
}

// NewValidator 创建校验器；reasoner 为 nil 时使用 LocalReasoner
func NewValidator(caps Capabilities, reasoner Reasoner) *Validator {
	if reasoner == nil {
		reasoner = NewLocalReasoner()
	}
	return &Validator{
		caps:     caps,
		reasoner: reasoner,
		logger:   log.Nop(),
		stats:    Stats{Violations: make(map[string]int64)},
	}
}

// SetLogger 设置日志
func (v *Validator) SetLogger(logger *log.Logger) {
	v.logger = logger.Component("validator")
}

// ValidatePlan 计划前置校验
func (v *Validator) ValidatePlan(ctx context.Context, p *plan.Plan, rules *RuleSet) (plan.Verdict, error) {
	if p == nil {
		p = &plan.Plan{}
	}
	if rules == nil {
		rules = BlockAll("no rule set loaded")
	}
	ctx, span := tracing.StartPolicySpan(ctx, string(plan.StagePlan), rules.Version)
	verdict, err := v.validatePlan(ctx, p, rules)
	tracing.EndSpan(span, err)
	if err != nil {
		return plan.Verdict{}, err
	}
	v.record(verdict)
	v.logger.Debug("计划校验完成", "plan_id", p.ID, "decision", verdict.Decision, "rule_id", verdict.RuleID)
	return verdict, nil
}

func (v *Validator) validatePlan(ctx context.Context, p *plan.Plan, rules *RuleSet) (plan.Verdict, error) {
	if rules.FailClosed() {
		return plan.Blocked(plan.StagePlan, RuleSetInvalidID, "rule set unavailable: "+rules.InvalidReason(), plan.SeverityCritical), nil
	}
	if len(p.Steps) == 0 {
		return plan.Blocked(plan.StagePlan, "plan.empty", "plan has no steps", plan.SeverityError), nil
	}
	for _, step := range p.Steps {
		if err := v.caps.Validate(step); err != nil {
			ruleID := "capability.args"
			if errors.Is(err, capability.ErrUnknown) {
				ruleID = "capability.unknown"
			}
			return plan.Blocked(plan.StagePlan, ruleID, fmt.Sprintf("step %d: %v", step.Index, err), plan.SeverityError), nil
		}
	}

	semantic, err := v.reasoner.Reason(ctx, Query{Plan: p}, rules)
	if err != nil {
		return plan.Verdict{}, err
	}
	if semantic.Decision != plan.Approve {
		return semantic, nil
	}

	return v.applyStructural(p, rules), nil
}

// ValidateResult 步骤结果后置校验：先 result_requires 规则，再交给推理器
func (v *Validator) ValidateResult(ctx context.Context, step plan.Step, result capability.Result, rules *RuleSet) (plan.Verdict, error) {
	if rules == nil {
		rules = BlockAll("no rule set loaded")
	}
	if rules.FailClosed() {
		verdict := plan.Blocked(plan.StageResult, RuleSetInvalidID, "rule set unavailable: "+rules.InvalidReason(), plan.SeverityCritical)
		v.record(verdict)
		return verdict, nil
	}
	for _, rule := range rules.RulesOf(KindResultRequires) {
		if rule.Capability != step.Capability || result.Bool(rule.Field) {
			continue
		}
		reason := fmt.Sprintf("%s.%s is false", step.Capability, rule.Field)
		if rule.Description != "" {
			reason = rule.Description + ": " + reason
		}
		if status := result.String("consent_status"); status != "" {
			reason += " (status " + status + ")"
		}
		verdict := plan.Blocked(plan.StageResult, rule.ID, reason, rule.severity())
		v.record(verdict)
		return verdict, nil
	}

	ctx, span := tracing.StartPolicySpan(ctx, string(plan.StageResult), rules.Version)
	verdict, err := v.reasoner.Reason(ctx, Query{Step: &step, Result: result}, rules)
	tracing.EndSpan(span, err)
	if err != nil {
		return plan.Verdict{}, err
	}
	if verdict.Decision == plan.Correct {
		verdict = plan.Blocked(plan.StageResult, verdict.RuleID, "results cannot be corrected: "+verdict.Reason, verdict.Severity)
	}
	v.record(verdict)
	return verdict, nil
}

// Stats 返回统计快照
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.stats
	out.Violations = make(map[string]int64, len(v.stats.Violations))
	for k, n := range v.stats.Violations {
		out.Violations[k] = n
	}
	return out
}

func (v *Validator) record(verdict plan.Verdict) {
	metrics.VerdictTotal.WithLabelValues(string(verdict.Stage), string(verdict.Decision)).Inc()
	v.mu.Lock()
	switch verdict.Decision {
	case plan.Approve:
		v.stats.Approved++
	case plan.Correct:
		v.stats.Corrected++
		metrics.CorrectionTotal.Inc()
	case plan.Block:
		v.stats.Blocked++
	}
	v.mu.Unlock()
	if verdict.Decision == plan.Block && verdict.RuleID != "" {
		v.violation(verdict.RuleID)
	}
}

// violation 按规则计数（BLOCK 与被改写的违规都计入）
func (v *Validator) violation(ruleID string) {
	metrics.RuleViolationTotal.WithLabelValues(ruleID).Inc()
	v.mu.Lock()
	v.stats.Violations[ruleID]++
	v.mu.Unlock()
}
