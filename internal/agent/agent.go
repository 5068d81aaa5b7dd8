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

// Package agent 网关入口：回忆会话 → 规划 → 校验与执行 → 写回会话
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"record-gate/internal/agent/executor"
	"record-gate/internal/agent/planner"
	"record-gate/internal/capability"
	"record-gate/internal/plan"
	"record-gate/internal/runtime/auditlog"
	"record-gate/internal/runtime/session"
	gateerrors "record-gate/pkg/errors"
	"record-gate/pkg/log"
)

// Response 单次请求的终态
type Response struct {
	RequestID   string                `json:"request_id"`
	SessionID   string                `json:"session_id"`
	RunID       string                `json:"run_id,omitempty"`
	State       executor.State        `json:"state"`
	Code        gateerrors.Code       `json:"code,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	RuleID      string                `json:"rule_id,omitempty"`
	StepIndex   int                   `json:"step_index,omitempty"`
	Plan        *plan.Plan            `json:"plan,omitempty"`
	Results     []executor.StepResult `json:"results,omitempty"`
	Corrections []plan.Verdict        `json:"corrections,omitempty"`
	Duration    time.Duration         `json:"duration"`
}

// Err 非 COMPLETED 时返回带原因码的错误
func (r *Response) Err() error {
	if r == nil || r.State == executor.StateCompleted {
		return nil
	}
	return &gateerrors.Error{Code: r.Code, StepIndex: r.StepIndex, RuleID: r.RuleID, Message: r.Reason}
}

// Catalog 提供能力目录（capability.Registry）
type Catalog interface {
	Catalog() []capability.Descriptor
}

// Orchestrator 持有 Planner、Executor、会话与审计日志；规划器只提议，执行器按策略裁决执行
type Orchestrator struct {
	planner  planner.Planner
	executor *executor.Executor
	catalog  Catalog
	sessions *session.Manager
	audit    auditlog.Log
	logger   *log.Logger
}

// Option 可选配置
type Option func(*Orchestrator)

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l.Component("orchestrator")
	}
}

// New 创建 Orchestrator
func New(p planner.Planner, exec *executor.Executor, catalog Catalog, sessions *session.Manager, audit auditlog.Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:  p,
		executor: exec,
		catalog:  catalog,
		sessions: sessions,
		audit:    audit,
		logger:   log.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle 处理一次请求；返回的 error 仅表示基础设施故障（如请求记录写入失败）
func (o *Orchestrator) Handle(ctx context.Context, req plan.Request) (*Response, error) {
	start := time.Now()
	if req.PrincipalID == "" {
		return nil, fmt.Errorf("%w: principal_id is required", gateerrors.ErrInvalidArg)
	}
	if req.ID == "" {
		req.ID = "req-" + uuid.New().String()
	}

	sess, err := o.sessions.Recall(ctx, req.SessionID, req.PrincipalID)
	if err != nil {
		o.logger.Warn("会话读取失败，按新会话处理", "session_id", req.SessionID, "error", err)
		sess = nil
	}
	sc := planner.SessionContext{PrincipalID: req.PrincipalID}
	if sess != nil {
		sc.LastSubjectID = sess.LastSubjectID
		sc.LastAction = sess.LastAction
	} else if req.SessionID == "" {
		req.SessionID = session.NewID()
	}

	resp := &Response{RequestID: req.ID, SessionID: req.SessionID}

	// 请求记录先于任何执行写入；规划失败只体现在这一条记录上
	p, perr := o.planner.Plan(ctx, req, o.catalog.Catalog(), sc)
	received := auditlog.Record{
		RequestID:   req.ID,
		SessionID:   req.SessionID,
		PrincipalID: req.PrincipalID,
		SubjectID:   sc.LastSubjectID,
		Kind:        auditlog.KindRequest,
		Event:       auditlog.EventRequestReceived,
		Detail:      req.Text,
	}
	if perr != nil {
		resp.State = executor.StateFailed
		resp.Code = gateerrors.CodePlanningFailed
		resp.Reason = perr.Error()
		if executor.IsCancelled(perr) || ctx.Err() != nil {
			resp.State = executor.StateAborted
			resp.Code = gateerrors.CodeCancelled
		}
		received.Outcome = string(resp.State)
		received.Code = string(resp.Code)
		received.Error = resp.Reason
	}
	if _, err := o.audit.Append(context.WithoutCancel(ctx), received); err != nil {
		return nil, fmt.Errorf("%w: request record: %v", gateerrors.ErrAuditWrite, err)
	}
	if perr != nil {
		o.logger.Warn("规划失败", "request_id", req.ID, "principal_id", req.PrincipalID, "reason", resp.Reason)
		resp.Duration = time.Since(start)
		return resp, nil
	}
	// 调用者身份只来自请求，不接受规划器改写
	p.PrincipalID = req.PrincipalID
	p.RequestID = req.ID

	out := o.executor.Run(ctx, p, executor.WithSessionID(req.SessionID))
	resp.RunID = out.RunID
	resp.State = out.State
	resp.Code = out.Code
	resp.Reason = out.Reason
	resp.RuleID = out.RuleID
	resp.StepIndex = out.StepIndex
	resp.Plan = out.Plan
	resp.Results = out.Results
	resp.Corrections = out.Corrections

	if out.State == executor.StateCompleted || out.State == executor.StateAborted {
		if id := o.remember(context.WithoutCancel(ctx), sess, req, out); id != "" {
			resp.SessionID = id
		}
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

// remember 写回会话并返回实际会话 ID；失败只记日志，运行结果已入审计
func (o *Orchestrator) remember(ctx context.Context, prev *session.Session, req plan.Request, out *executor.Outcome) string {
	action := primaryAction(out.Plan)
	subject := ""
	if out.Plan != nil {
		subject = out.Plan.SubjectID
	}
	summary := fmt.Sprintf("%s %s: %s", action, subject, out.State)
	if out.Code != gateerrors.CodeNone {
		summary += " (" + string(out.Code) + ")"
	}
	next, err := o.sessions.Record(ctx, prev, session.Update{
		SessionID:   req.SessionID,
		PrincipalID: req.PrincipalID,
		SubjectID:   subject,
		Action:      action,
		Summary:     summary,
		Turn: session.Turn{
			RequestID: req.ID,
			Text:      req.Text,
			Action:    action,
			SubjectID: subject,
			State:     string(out.State),
			Code:      string(out.Code),
		},
	})
	if err != nil {
		o.logger.Warn("会话写回失败", "session_id", req.SessionID, "error", err)
		return ""
	}
	if next.ID != req.SessionID {
		o.logger.Info("会话已另起", "requested", req.SessionID, "session_id", next.ID)
	}
	return next.ID
}

// primaryAction 计划的主要动作：最后一个非审计、非身份与同意检查的步骤
func primaryAction(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	for i := len(p.Steps) - 1; i >= 0; i-- {
		switch p.Steps[i].Capability {
		case "log_access", "verify_credentials", "check_consent":
			continue
		}
		return p.Steps[i].Capability
	}
	return ""
}
