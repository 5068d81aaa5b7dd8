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
	"fmt"

	"record-gate/internal/capability"
	"record-gate/internal/plan"
)

// Query 推理输入：整份计划，或单个步骤及其结果
type Query struct {
	Plan   *plan.Plan
	Step   *plan.Step
	Result capability.Result
}

// Stage 查询对应的校验点
func (q Query) Stage() plan.Stage {
	if q.Step != nil {
		return plan.StageResult
	}
	return plan.StagePlan
}

// Reasoner 策略推理接口；错误与超时原样返回，不折算为 APPROVE 或 BLOCK
type Reasoner interface {
	Reason(ctx context.Context, q Query, rules *RuleSet) (plan.Verdict, error)
}

// LocalReasoner 本地授权引擎：按 scope 规则与 Grants 判定
type LocalReasoner struct{}

// NewLocalReasoner 创建本地推理器
func NewLocalReasoner() *LocalReasoner { return &LocalReasoner{} }

// Reason 实现 Reasoner
func (LocalReasoner) Reason(ctx context.Context, q Query, rules *RuleSet) (plan.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return plan.Verdict{}, err
	}
	if q.Plan == nil || q.Step != nil {
		return plan.Approved(q.Stage()), nil
	}
	p := q.Plan
	for _, rule := range rules.RulesOf(KindScope) {
		for _, step := range p.Steps {
			if rule.PrincipalArg != "" {
				if v, ok := step.Args[rule.PrincipalArg].(string); ok && v != p.PrincipalID {
					return plan.Blocked(plan.StagePlan, rule.ID,
						fmt.Sprintf("step %d (%s) acts as %s but the principal is %s", step.Index, step.Capability, v, p.PrincipalID),
						rule.severity()), nil
				}
			}
			subject := p.SubjectID
			if rule.SubjectArg != "" {
				if v, ok := step.Args[rule.SubjectArg].(string); ok && v != "" {
					subject = v
				}
			}
			if !granted(rules.Grants, p.PrincipalID, subject, step.Capability) {
				return plan.Blocked(plan.StagePlan, rule.ID,
					fmt.Sprintf("%s holds no grant for %s on %s", p.PrincipalID, step.Capability, subject),
					rule.severity()), nil
			}
		}
	}
	return plan.Approved(plan.StagePlan), nil
}

func granted(grants []Grant, principal, subject, capability string) bool {
	for _, g := range grants {
		if g.Allows(principal, subject, capability) {
			return true
		}
	}
	return false
}

// ChainReasoner 依次调用多个推理器，第一个非 APPROVE 的裁决生效
type ChainReasoner []Reasoner

// Reason 实现 Reasoner
func (c ChainReasoner) Reason(ctx context.Context, q Query, rules *RuleSet) (plan.Verdict, error) {
	last := plan.Approved(q.Stage())
	for _, r := range c {
		v, err := r.Reason(ctx, q, rules)
		if err != nil {
			return plan.Verdict{}, err
		}
		if v.Decision != plan.Approve {
			return v, nil
		}
		last = v
	}
	return last, nil
}
