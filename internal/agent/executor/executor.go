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

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"record-gate/internal/capability"
	"record-gate/internal/plan"
	"record-gate/internal/policy"
	"record-gate/internal/runtime/auditlog"
	gateerrors "record-gate/pkg/errors"
	"record-gate/pkg/log"
	"record-gate/pkg/metrics"
	"record-gate/pkg/tracing"
)

// RuleIDUncorrectable 改写次数耗尽时合成的 BLOCK 所引用的规则
const RuleIDUncorrectable = "policy.uncorrectable"

// Executor 按序执行已批准的计划；每次 Run 相互独立，可并发调用
type Executor struct {
	registry  *capability.Registry
	validator *policy.Validator
	rules     *policy.Source
	audit     auditlog.Log
	cfg       Config
	logger    *log.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New 创建执行器
func New(registry *capability.Registry, validator *policy.Validator, rules *policy.Source, audit auditlog.Log, cfg Config) *Executor {
	if cfg.MaxCorrections <= 0 {
		cfg.MaxCorrections = DefaultConfig().MaxCorrections
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	return &Executor{
		registry:  registry,
		validator: validator,
		rules:     rules,
		audit:     audit,
		cfg:       cfg,
		logger:    log.Nop(),
		sleep:     sleepCtx,
	}
}

// SetLogger 设置日志
func (e *Executor) SetLogger(logger *log.Logger) {
	e.logger = logger.Component("executor")
}

// Config 当前配置
func (e *Executor) Config() Config { return e.cfg }

// RunOption Run 的可选参数
type RunOption func(*run)

// WithRunID 指定运行 ID（默认 run-<uuid>）
func WithRunID(id string) RunOption {
	return func(r *run) {
		if id != "" {
			r.id = id
		}
	}
}

// WithSessionID 关联会话，写入每条审计记录
func WithSessionID(id string) RunOption {
	return func(r *run) { r.sessionID = id }
}

// run 单次运行的可变状态
type run struct {
	e         *Executor
	ctx       context.Context
	id        string
	sessionID string
	rules     *policy.RuleSet
	plan      *plan.Plan
	state     State
	outcome   *Outcome
	blocking  *plan.Verdict
	approval  plan.Verdict
}

// Run 校验并执行计划，总是返回终态；规则集在开始时取一次快照，整个运行期间不变
func (e *Executor) Run(ctx context.Context, p *plan.Plan, opts ...RunOption) *Outcome {
	if p == nil {
		p = &plan.Plan{}
	}
	r := &run{
		e:     e,
		id:    "run-" + uuid.New().String(),
		rules: e.rules.Current(),
		plan:  p.Clone(),
		state: StatePending,
	}
	r.plan.Reindex()
	for _, opt := range opts {
		opt(r)
	}
	r.outcome = &Outcome{RunID: r.id, Plan: r.plan}

	ctx, span := tracing.StartRunSpan(ctx, r.id, r.plan.PrincipalID, r.plan.SubjectID)
	r.ctx = ctx
	start := time.Now()

	e.logger.Info("运行开始", "run_id", r.id, "request_id", r.plan.RequestID, "plan", r.plan.String(), "ruleset", r.rules.Version)
	if err := r.append(auditlog.Record{Kind: auditlog.KindPlan, Event: auditlog.EventPlanSubmitted, Plan: r.plan.Clone()}); err != nil {
		r.auditFailed(0, err)
	} else if r.validate() {
		r.execute()
	}

	o := r.finish(time.Since(start))
	tracing.EndSpan(span, o.Err())
	return o
}

// validate VALIDATING 阶段；返回 true 表示计划已批准
func (r *run) validate() bool {
	r.state = StateValidating
	limit := r.e.cfg.MaxCorrections
	if r.rules.MaxCorrections > 0 {
		limit = r.rules.MaxCorrections
	}

	for {
		if r.ctx.Err() != nil {
			r.cancelled(0)
			return false
		}
		verdict, err := r.validatePlan()
		if err != nil {
			if r.ctx.Err() != nil {
				r.cancelled(0)
				return false
			}
			r.terminate(StateFailed, gateerrors.CodePolicyUnavailable, 0, "", "policy reasoning unavailable: "+err.Error())
			return false
		}

		switch verdict.Decision {
		case plan.Approve:
			r.approval = verdict
			if err := r.append(auditlog.Record{Kind: auditlog.KindPlan, Event: auditlog.EventPlanApproved, Plan: r.plan.Clone(), Verdict: &verdict}); err != nil {
				r.auditFailed(0, err)
				return false
			}
			r.e.logger.Info("计划已批准", "run_id", r.id, "plan", r.plan.String(), "corrections", len(r.outcome.Corrections))
			return true

		case plan.Correct:
			if len(r.outcome.Corrections) >= limit || verdict.Replacement == nil {
				reason := fmt.Sprintf("uncorrectable after %d attempts", limit)
				if verdict.Replacement == nil {
					reason = "correction without replacement plan"
				}
				blocked := plan.Blocked(plan.StagePlan, RuleIDUncorrectable, reason, plan.SeverityError)
				blocked.Changes = verdict.Changes
				r.blocking = &blocked
				if err := r.append(auditlog.Record{Kind: auditlog.KindPlan, Event: auditlog.EventPlanBlocked, Plan: r.plan.Clone(), Verdict: &blocked, Code: string(gateerrors.CodeUncorrectable)}); err != nil {
					r.auditFailed(0, err)
					return false
				}
				r.terminate(StateAborted, gateerrors.CodeUncorrectable, 0, RuleIDUncorrectable, reason)
				return false
			}
			replacement := r.adopt(verdict.Replacement)
			verdict.Replacement = replacement.Clone()
			if err := r.append(auditlog.Record{
				Kind:    auditlog.KindPlan,
				Event:   auditlog.EventPlanCorrected,
				Plan:    r.plan.Clone(),
				Verdict: &verdict,
				Detail:  strings.Join(verdict.Changes, "; "),
			}); err != nil {
				r.auditFailed(0, err)
				return false
			}
			r.outcome.Corrections = append(r.outcome.Corrections, verdict)
			r.e.logger.Info("计划已改写", "run_id", r.id, "rule_id", verdict.RuleID, "from", r.plan.String(), "to", replacement.String())
			r.plan = replacement
			r.outcome.Plan = replacement

		default:
			blocked := verdict
			r.blocking = &blocked
			if err := r.append(auditlog.Record{Kind: auditlog.KindPlan, Event: auditlog.EventPlanBlocked, Plan: r.plan.Clone(), Verdict: &blocked, Code: string(gateerrors.CodePolicyBlock)}); err != nil {
				r.auditFailed(0, err)
				return false
			}
			r.terminate(StateAborted, gateerrors.CodePolicyBlock, 0, verdict.RuleID, verdict.Reason)
			return false
		}
	}
}

// adopt 接受改写后的计划：保留计划与请求标识及调用者身份
func (r *run) adopt(replacement *plan.Plan) *plan.Plan {
	next := replacement.Clone()
	next.ID = r.plan.ID
	next.RequestID = r.plan.RequestID
	next.PrincipalID = r.plan.PrincipalID
	if next.SubjectID == "" {
		next.SubjectID = r.plan.SubjectID
	}
	next.Reindex()
	return next
}

// validatePlan 带超时与有限重试的计划校验
func (r *run) validatePlan() (plan.Verdict, error) {
	var verdict plan.Verdict
	err := r.withReasonerRetry(func(ctx context.Context) error {
		var err error
		verdict, err = r.e.validator.ValidatePlan(ctx, r.plan, r.rules)
		return err
	})
	return verdict, err
}

// validateResult 带超时与有限重试的结果校验
func (r *run) validateResult(step plan.Step, result capability.Result) (plan.Verdict, error) {
	var verdict plan.Verdict
	err := r.withReasonerRetry(func(ctx context.Context) error {
		var err error
		verdict, err = r.e.validator.ValidateResult(ctx, step, result, r.rules)
		return err
	})
	return verdict, err
}

func (r *run) withReasonerRetry(fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		ctx, cancel := r.reasonerContext()
		err = fn(ctx)
		cancel()
		if err == nil || r.ctx.Err() != nil || attempt > r.e.cfg.ReasonerRetries {
			return err
		}
		r.e.logger.Warn("策略推理失败，重试", "run_id", r.id, "attempt", attempt, "error", err)
		if serr := r.e.sleep(r.ctx, r.e.cfg.Retry.Delay(attempt)); serr != nil {
			return err
		}
	}
}

func (r *run) reasonerContext() (context.Context, context.CancelFunc) {
	if r.e.cfg.ReasonerTimeout > 0 {
		return context.WithTimeout(r.ctx, r.e.cfg.ReasonerTimeout)
	}
	return context.WithCancel(r.ctx)
}

// execute RUNNING 阶段：按序执行，每个尝试过的步骤恰好一条执行记录
func (r *run) execute() {
	r.state = StateRunning
	for _, step := range r.plan.Steps {
		if r.ctx.Err() != nil {
			r.cancelled(step.Index)
			return
		}
		if !r.executeStep(step) {
			return
		}
	}
	r.terminate(StateCompleted, gateerrors.CodeNone, 0, "", "")
}

// executeStep 返回 false 表示运行已进入终态
func (r *run) executeStep(step plan.Step) bool {
	c, ok := r.e.registry.Get(step.Capability)
	if !ok {
		err := fmt.Errorf("%w: %s", capability.ErrUnknown, step.Capability)
		r.stepFailed(step, 0, err)
		return false
	}

	ctx, span := tracing.StartStepSpan(r.ctx, step.Capability, step.Index)
	result, attempts, err := r.invoke(ctx, c, step)
	tracing.EndSpan(span, err)

	if err != nil {
		r.stepFailed(step, attempts, err)
		return false
	}

	var post *plan.Verdict
	if r.e.cfg.PostValidate {
		verdict, verr := r.validateResult(step, result)
		if verr != nil {
			rec := r.stepRecord(step, result, attempts, auditlog.OutcomeFailed)
			rec.Error = verr.Error()
			rec.Code = string(gateerrors.CodePolicyUnavailable)
			if err := r.append(rec); err != nil {
				r.auditFailed(step.Index, err)
				return false
			}
			if r.ctx.Err() != nil {
				r.cancelled(step.Index)
				return false
			}
			r.terminate(StateFailed, gateerrors.CodePolicyUnavailable, step.Index, "", "policy reasoning unavailable: "+verr.Error())
			return false
		}
		post = &verdict
	}

	if post != nil && post.Decision == plan.Block {
		rec := r.stepRecord(step, result, attempts, auditlog.OutcomeBlocked)
		rec.PostVerdict = post
		rec.Code = string(gateerrors.CodePolicyBlock)
		if err := r.append(rec); err != nil {
			r.auditFailed(step.Index, err)
			return false
		}
		r.outcome.Results = append(r.outcome.Results, StepResult{
			Index: step.Index, Capability: step.Capability, Result: result, Attempts: attempts, Outcome: auditlog.OutcomeBlocked,
		})
		r.blocking = post
		r.terminate(StateAborted, gateerrors.CodePolicyBlock, step.Index, post.RuleID, post.Reason)
		return false
	}

	rec := r.stepRecord(step, result, attempts, auditlog.OutcomeSucceeded)
	rec.PostVerdict = post
	if err := r.append(rec); err != nil {
		r.auditFailed(step.Index, err)
		return false
	}
	r.outcome.Results = append(r.outcome.Results, StepResult{
		Index: step.Index, Capability: step.Capability, Result: result, Attempts: attempts, Outcome: auditlog.OutcomeSucceeded,
	})
	return true
}

// stepFailed 写失败的执行记录并进入终态；取消为 ABORTED，其余为 FAILED
func (r *run) stepFailed(step plan.Step, attempts int, err error) {
	code := gateerrors.CodeExecutionFailed
	if r.ctx.Err() != nil {
		code = gateerrors.CodeCancelled
	}
	rec := r.stepRecord(step, nil, attempts, auditlog.OutcomeFailed)
	rec.Error = err.Error()
	rec.Code = string(code)
	if aerr := r.append(rec); aerr != nil {
		r.auditFailed(step.Index, aerr)
		return
	}
	r.outcome.Results = append(r.outcome.Results, StepResult{
		Index: step.Index, Capability: step.Capability, Attempts: attempts, Outcome: auditlog.OutcomeFailed, Error: err.Error(),
	})
	if code == gateerrors.CodeCancelled {
		r.cancelled(step.Index)
		return
	}
	r.terminate(StateFailed, code, step.Index, "", err.Error())
}

func (r *run) stepRecord(step plan.Step, result capability.Result, attempts int, outcome string) auditlog.Record {
	approval := r.approval
	return auditlog.Record{
		Kind:       auditlog.KindStep,
		Event:      auditlog.EventStepExecuted,
		StepIndex:  step.Index,
		Capability: step.Capability,
		Args:       step.Args,
		Result:     result,
		Attempts:   attempts,
		Verdict:    &approval,
		Outcome:    outcome,
	}
}

// append 写审计；使用不可取消的 ctx，取消后的记录也要落盘
func (r *run) append(rec auditlog.Record) error {
	rec.RunID = r.id
	rec.RequestID = r.plan.RequestID
	rec.SessionID = r.sessionID
	rec.PrincipalID = r.plan.PrincipalID
	if rec.SubjectID == "" {
		rec.SubjectID = r.plan.SubjectID
	}
	if _, err := r.e.audit.Append(context.WithoutCancel(r.ctx), rec); err != nil {
		return err
	}
	r.outcome.Records++
	if rec.Kind == auditlog.KindStep {
		r.outcome.StepRecords++
	}
	return nil
}

func (r *run) cancelled(stepIndex int) {
	r.terminate(StateAborted, gateerrors.CodeCancelled, stepIndex, "", "cancelled")
}

func (r *run) auditFailed(stepIndex int, err error) {
	r.e.logger.Error("审计写入失败", "run_id", r.id, "step", stepIndex, "error", err)
	r.terminate(StateFailed, gateerrors.CodeAuditWriteFailed, stepIndex, "", "audit write failed: "+err.Error())
}

// terminate 进入终态；只生效一次
func (r *run) terminate(state State, code gateerrors.Code, stepIndex int, ruleID, reason string) {
	if r.state.Terminal() {
		return
	}
	r.state = state
	r.outcome.State = state
	r.outcome.Code = code
	r.outcome.StepIndex = stepIndex
	r.outcome.RuleID = ruleID
	r.outcome.Reason = reason
}

// finish 写唯一的一条终态记录并上报指标
func (r *run) finish(elapsed time.Duration) *Outcome {
	o := r.outcome
	o.Duration = elapsed
	if !r.state.Terminal() {
		r.terminate(StateFailed, gateerrors.CodeExecutionFailed, 0, "", "run ended without terminal state")
	}

	event := auditlog.EventRunCompleted
	switch o.State {
	case StateAborted:
		event = auditlog.EventRunAborted
	case StateFailed:
		event = auditlog.EventRunFailed
	}
	rec := auditlog.Record{
		Kind:      auditlog.KindOutcome,
		Event:     event,
		StepIndex: o.StepIndex,
		Plan:      o.Plan.Clone(),
		Verdict:   r.blocking,
		Outcome:   string(o.State),
		Code:      string(o.Code),
		Detail:    o.Reason,
	}
	if err := r.append(rec); err != nil {
		r.e.logger.Error("终态记录写入失败", "run_id", r.id, "state", o.State, "error", err)
		if o.State == StateCompleted {
			o.State = StateFailed
			o.Code = gateerrors.CodeAuditWriteFailed
			o.Reason = "audit write failed: " + err.Error()
		}
	}

	metrics.RunTotal.WithLabelValues(string(o.State), string(o.Code)).Inc()
	metrics.RunDuration.WithLabelValues(string(o.State)).Observe(elapsed.Seconds())

	attrs := []any{"run_id", r.id, "state", o.State, "code", o.Code, "steps", o.StepRecords, "duration", elapsed}
	if o.StepIndex > 0 {
		attrs = append(attrs, "step", o.StepIndex)
	}
	if o.RuleID != "" {
		attrs = append(attrs, "rule_id", o.RuleID)
	}
	switch o.State {
	case StateCompleted:
		r.e.logger.Info("运行完成", attrs...)
	case StateAborted:
		r.e.logger.Warn("运行中止", append(attrs, "reason", o.Reason)...)
	default:
		r.e.logger.Error("运行失败", append(attrs, "reason", o.Reason)...)
	}
	return o
}

// IsCancelled 错误是否由调用方取消引起
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || gateerrors.CodeOf(err) == gateerrors.CodeCancelled
}
