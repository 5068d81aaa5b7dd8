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
	"fmt"
	"slices"
	"strings"

	"record-gate/internal/plan"
)

// fixPass 在计划副本上按规则顺序一次性修正所有可修正的结构违规
type fixPass struct {
	v        *Validator
	p        *plan.Plan
	steps    []plan.Step
	changes  []string
	firstID  string
	blocking *plan.Verdict
}

func (v *Validator) applyStructural(p *plan.Plan, rules *RuleSet) plan.Verdict {
	f := &fixPass{v: v, p: p, steps: p.Clone().Steps}
	for _, rule := range rules.Rules {
		switch rule.Kind {
		case KindPrecedes:
			f.precedes(rule)
		case KindFollowedBy:
			f.followedBy(rule)
		case KindAuditMutating:
			f.auditMutating(rule)
		case KindForbid:
			f.forbid(rule)
		}
		if f.blocking != nil {
			return *f.blocking
		}
	}
	if len(f.changes) == 0 {
		return plan.Approved(plan.StagePlan)
	}
	fixed := p.Clone()
	fixed.Steps = f.steps
	fixed.Reindex()
	return plan.Corrected(fixed, f.firstID, f.changes)
}

// violated 记录违规；critical 规则直接 BLOCK，返回是否可以继续修正
func (f *fixPass) violated(rule Rule, detail string) bool {
	if rule.Critical() {
		b := plan.Blocked(plan.StagePlan, rule.ID, rule.Description+": "+detail, rule.severity())
		f.blocking = &b
		return false
	}
	f.v.violation(rule.ID)
	if f.firstID == "" {
		f.firstID = rule.ID
	}
	return true
}

func (f *fixPass) cannotFix(rule Rule, err error) {
	b := plan.Blocked(plan.StagePlan, rule.ID, fmt.Sprintf("%s: cannot correct: %v", rule.Description, err), rule.severity())
	f.blocking = &b
}

func (f *fixPass) insert(at int, step plan.Step) {
	f.steps = slices.Insert(f.steps, at, step)
}

// templateValue 参数模板在 target 上的取值；$subject 优先取 target 的同名参数，否则取计划对象
func (f *fixPass) templateValue(tmpl, name string, target plan.Step) string {
	switch tmpl {
	case "$principal":
		return f.p.PrincipalID
	case "$subject":
		if s, ok := target.Args[name].(string); ok && s != "" {
			return s
		}
		return f.p.SubjectID
	case "$capability":
		return target.Capability
	default:
		return tmpl
	}
}

// covers guard 是否为 target 的同一主体/对象而执行：模板为 $principal / $subject 的参数必须一致
func (f *fixPass) covers(rule Rule, guard, target plan.Step) bool {
	for name, tmpl := range rule.Args[guard.Capability] {
		if tmpl != "$principal" && tmpl != "$subject" {
			continue
		}
		want := f.templateValue(tmpl, name, target)
		if want == "" {
			continue
		}
		if got, _ := guard.Args[name].(string); got != want {
			return false
		}
	}
	return true
}

// findGuard 在 [from, to) 内查找覆盖 target 的 capability 步骤
func (f *fixPass) findGuard(rule Rule, caps []string, target plan.Step, from, to int) int {
	for i := max(from, 0); i < min(to, len(f.steps)); i++ {
		if slices.Contains(caps, f.steps[i].Capability) && f.covers(rule, f.steps[i], target) {
			return i
		}
	}
	return -1
}

// synthesize 按规则的参数模板构造插入步骤，并用能力 schema 校验
func (f *fixPass) synthesize(rule Rule, capability string, target plan.Step) (plan.Step, error) {
	args := make(map[string]any)
	for name, tmpl := range rule.Args[capability] {
		val := f.templateValue(tmpl, name, target)
		if val == "" {
			return plan.Step{}, fmt.Errorf("no value for %s.%s (%s)", capability, name, strings.TrimPrefix(tmpl, "$"))
		}
		args[name] = val
	}
	step := plan.Step{Capability: capability, Args: args}
	if err := f.v.caps.Validate(step); err != nil {
		return plan.Step{}, err
	}
	return step, nil
}

// precedes 每个目标步骤之前都要有为同一主体/对象执行的 Before 步骤
func (f *fixPass) precedes(rule Rule) {
	for _, before := range rule.Before {
		guards := []string{before}
		for i := 0; i < len(f.steps); i++ {
			target := f.steps[i]
			if !slices.Contains(rule.Targets, target.Capability) {
				continue
			}
			if f.findGuard(rule, guards, target, 0, i) >= 0 {
				continue
			}
			if !f.violated(rule, fmt.Sprintf("%s must precede %s (%s)", before, target.Capability, subjectOf(target))) {
				return
			}
			if j := f.findGuard(rule, guards, target, i+1, len(f.steps)); j >= 0 {
				moved := f.steps[j]
				f.steps = slices.Delete(f.steps, j, j+1)
				f.insert(i, moved)
				f.changes = append(f.changes, fmt.Sprintf("moved %s before %s", before, target.Capability))
				i++
				continue
			}
			step, err := f.synthesize(rule, before, target)
			if err != nil {
				f.cannotFix(rule, err)
				return
			}
			f.insert(i, step)
			f.changes = append(f.changes, fmt.Sprintf("inserted %s before %s", before, target.Capability))
			i++
		}
	}
}

// followedBy 每个目标步骤之后都要有为同一主体/对象执行的 After 步骤
func (f *fixPass) followedBy(rule Rule) {
	guards := []string{rule.After}
	for i := 0; i < len(f.steps); i++ {
		target := f.steps[i]
		if !slices.Contains(rule.Targets, target.Capability) {
			continue
		}
		if f.findGuard(rule, guards, target, i+1, len(f.steps)) >= 0 {
			continue
		}
		if !f.violated(rule, fmt.Sprintf("%s must follow %s (%s)", rule.After, target.Capability, subjectOf(target))) {
			return
		}
		step, err := f.synthesize(rule, rule.After, target)
		if err != nil {
			f.cannotFix(rule, err)
			return
		}
		f.insert(i+1, step)
		f.changes = append(f.changes, fmt.Sprintf("inserted %s after %s", rule.After, target.Capability))
		i++
	}
}

func (f *fixPass) auditMutating(rule Rule) {
	for i := 0; i < len(f.steps); i++ {
		s := f.steps[i]
		if slices.Contains(rule.AuditCaps, s.Capability) {
			continue
		}
		if len(rule.Targets) > 0 && !slices.Contains(rule.Targets, s.Capability) {
			continue
		}
		desc, ok := f.v.caps.Descriptor(s.Capability)
		if !ok || !desc.IsMutating() {
			continue
		}
		if f.findGuard(rule, rule.AuditCaps, s, 0, i) >= 0 {
			continue
		}
		if !f.violated(rule, fmt.Sprintf("%s is not preceded by an audit step for %s", s.Capability, subjectOf(s))) {
			return
		}
		step, err := f.synthesize(rule, rule.AuditCaps[0], s)
		if err != nil {
			f.cannotFix(rule, err)
			return
		}
		f.insert(i, step)
		f.changes = append(f.changes, fmt.Sprintf("inserted %s before %s", rule.AuditCaps[0], s.Capability))
		i++
	}
}

func subjectOf(s plan.Step) string {
	if pt, ok := s.Args["patient_id"].(string); ok && pt != "" {
		return pt
	}
	if dr, ok := s.Args["clinician_id"].(string); ok {
		return dr
	}
	return "-"
}

func (f *fixPass) forbid(rule Rule) {
	kept := make([]plan.Step, 0, len(f.steps))
	var removed []string
	for _, s := range f.steps {
		if slices.Contains(rule.Targets, s.Capability) {
			removed = append(removed, s.Capability)
			continue
		}
		kept = append(kept, s)
	}
	if len(removed) == 0 {
		return
	}
	if !f.violated(rule, strings.Join(removed, ", ")+" not allowed") {
		return
	}
	if len(kept) == 0 {
		b := plan.Blocked(plan.StagePlan, rule.ID, rule.Description+": no steps remain after removing "+strings.Join(removed, ", "), rule.severity())
		f.blocking = &b
		return
	}
	f.steps = kept
	for _, name := range removed {
		f.changes = append(f.changes, "removed "+name)
	}
}
