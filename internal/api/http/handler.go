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

// Package http 网关的 HTTP 接口：提交请求、审计查询与校验、会话与策略管理
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"record-gate/internal/agent"
	"record-gate/internal/capability"
	"record-gate/internal/plan"
	"record-gate/internal/policy"
	"record-gate/internal/runtime/auditlog"
	"record-gate/internal/runtime/session"
	"record-gate/pkg/auth"
	gateerrors "record-gate/pkg/errors"
	"record-gate/pkg/log"
	"record-gate/pkg/metrics"
	"record-gate/pkg/redaction"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// Requester 处理一次请求（agent.Orchestrator）
type Requester interface {
	Handle(ctx context.Context, req plan.Request) (*agent.Response, error)
}

// Catalog 能力目录
type Catalog interface {
	Catalog() []capability.Descriptor
}

// StatsProvider 策略裁决统计
type StatsProvider interface {
	Stats() policy.Stats
}

// Handler HTTP 处理器；依赖缺失的接口返回 503
type Handler struct {
	requests    Requester
	audit       auditlog.Log
	sessions    *session.Manager
	catalog     Catalog
	rules       *policy.Source
	stats       StatsProvider
	redactor    *redaction.Engine
	authEnabled bool
	logger      *log.Logger
}

// NewHandler 创建 HTTP 处理器
func NewHandler(requests Requester, audit auditlog.Log) *Handler {
	return &Handler{requests: requests, audit: audit, logger: log.Nop()}
}

// SetSessions 设置会话管理器
func (h *Handler) SetSessions(m *session.Manager) { h.sessions = m }

// SetCatalog 设置能力目录
func (h *Handler) SetCatalog(c Catalog) { h.catalog = c }

// SetPolicy 设置规则源与裁决统计
func (h *Handler) SetPolicy(rules *policy.Source, stats StatsProvider) {
	h.rules = rules
	h.stats = stats
}

// SetRedactor 设置审计查询脱敏
func (h *Handler) SetRedactor(r *redaction.Engine) { h.redactor = r }

// SetAuthEnabled 开启后调用者身份只取自 JWT
func (h *Handler) SetAuthEnabled(enabled bool) { h.authEnabled = enabled }

// SetLogger 设置日志
func (h *Handler) SetLogger(l *log.Logger) { h.logger = l.Component("api") }

func unavailable(c *app.RequestContext, what string) {
	c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": what + " not configured"})
}

func badRequest(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusBadRequest, map[string]string{"error": msg})
}

// HealthCheck 健康检查；规则集失效时为 degraded
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	body := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "record-gate",
	}
	if h.rules != nil {
		rs := h.rules.Current()
		body["ruleset"] = rs.Version
		if rs.FailClosed() {
			body["status"] = "degraded"
			body["fail_closed"] = rs.InvalidReason()
		}
	}
	c.JSON(consts.StatusOK, body)
}

// Metrics Prometheus 文本格式
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

type submitRequest struct {
	RequestID   string `json:"request_id"`
	SessionID   string `json:"session_id"`
	PrincipalID string `json:"principal_id"`
	Text        string `json:"text"`
}

// SubmitRequest POST /api/requests；终态（含 BLOCK）均为 200，原因码在响应体中
func (h *Handler) SubmitRequest(ctx context.Context, c *app.RequestContext) {
	if h.requests == nil {
		unavailable(c, "orchestrator")
		return
	}
	var body submitRequest
	if err := c.BindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		badRequest(c, "text is required")
		return
	}
	principal := body.PrincipalID
	if h.authEnabled {
		principal = auth.GetPrincipalID(ctx)
		if body.PrincipalID != "" && body.PrincipalID != principal {
			c.JSON(consts.StatusForbidden, map[string]string{"error": "principal_id does not match the authenticated caller"})
			return
		}
	}
	if principal == "" {
		badRequest(c, "principal_id is required")
		return
	}

	resp, err := h.requests.Handle(ctx, plan.Request{
		ID:          body.RequestID,
		SessionID:   body.SessionID,
		PrincipalID: principal,
		Text:        body.Text,
	})
	if err != nil {
		status := consts.StatusInternalServerError
		switch {
		case gateerrors.Is(err, gateerrors.ErrInvalidArg):
			status = consts.StatusBadRequest
		case gateerrors.Is(err, gateerrors.ErrAuditWrite):
			status = consts.StatusServiceUnavailable
		}
		h.logger.Error("请求处理失败", "principal_id", principal, "error", err)
		c.JSON(status, map[string]string{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, resp)
}

// parseAuditFilter 解析审计查询参数
func parseAuditFilter(c *app.RequestContext) (auditlog.Filter, error) {
	f := auditlog.Filter{
		SubjectID:   c.Query("subject_id"),
		PrincipalID: c.Query("principal_id"),
		RunID:       c.Query("run_id"),
		RequestID:   c.Query("request_id"),
		SessionID:   c.Query("session_id"),
		Outcome:     c.Query("outcome"),
		Limit:       defaultAuditLimit,
	}
	for _, key := range []string{"from", "to"} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, gateerrors.Wrapf(gateerrors.ErrInvalidArg, "%s must be RFC3339", key)
		}
		if key == "from" {
			f.From = t
		} else {
			f.To = t
		}
	}
	if kinds := c.Query("kind"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Kinds = append(f.Kinds, auditlog.Kind(k))
			}
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, gateerrors.Wrap(gateerrors.ErrInvalidArg, "limit must be a positive integer")
		}
		f.Limit = min(n, maxAuditLimit)
	}
	return f, nil
}

// QueryAudit GET /api/audit；返回的记录经过脱敏，存储内容不变
func (h *Handler) QueryAudit(ctx context.Context, c *app.RequestContext) {
	if h.audit == nil {
		unavailable(c, "audit log")
		return
	}
	filter, err := parseAuditFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	recs, err := auditlog.Collect(ctx, h.audit, filter)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		h.redactor.RedactMap(string(rec.Kind), m)
		out = append(out, m)
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"records":  out,
		"count":    len(out),
		"redacted": h.redactor.Enabled(),
	})
}

// VerifyAudit GET /api/audit/verify 校验哈希链
func (h *Handler) VerifyAudit(ctx context.Context, c *app.RequestContext) {
	if h.audit == nil {
		unavailable(c, "audit log")
		return
	}
	report, err := auditlog.Verify(ctx, h.audit)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := consts.StatusOK
	if !report.Valid {
		status = consts.StatusConflict
	}
	c.JSON(status, report)
}

// GetSession GET /api/sessions/:id
func (h *Handler) GetSession(ctx context.Context, c *app.RequestContext) {
	if h.sessions == nil {
		unavailable(c, "session store")
		return
	}
	sess, err := h.sessions.Recall(ctx, c.Param("id"), "")
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "session not found or expired"})
		return
	}
	c.JSON(consts.StatusOK, sess)
}

// ForgetSession DELETE /api/sessions/:id
func (h *Handler) ForgetSession(ctx context.Context, c *app.RequestContext) {
	if h.sessions == nil {
		unavailable(c, "session store")
		return
	}
	if err := h.sessions.Forget(ctx, c.Param("id")); err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"status": "forgotten"})
}

// SessionStats GET /api/sessions/stats
func (h *Handler) SessionStats(ctx context.Context, c *app.RequestContext) {
	if h.sessions == nil {
		unavailable(c, "session store")
		return
	}
	st, err := h.sessions.Stats(ctx)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, st)
}

// CleanupSessions POST /api/sessions/cleanup
func (h *Handler) CleanupSessions(ctx context.Context, c *app.RequestContext) {
	if h.sessions == nil {
		unavailable(c, "session store")
		return
	}
	n, err := h.sessions.Sweep(ctx)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, map[string]int{"removed": n})
}

// ListCapabilities GET /api/capabilities
func (h *Handler) ListCapabilities(ctx context.Context, c *app.RequestContext) {
	if h.catalog == nil {
		unavailable(c, "capability registry")
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"capabilities": h.catalog.Catalog()})
}

func (h *Handler) policyView() map[string]interface{} {
	rs := h.rules.Current()
	view := map[string]interface{}{
		"version":         rs.Version,
		"digest":          rs.Digest(),
		"procedure":       rs.Procedure,
		"max_corrections": rs.MaxCorrections,
		"rules":           rs.Rules,
		"grants":          rs.Grants,
		"path":            h.rules.Path(),
	}
	if rs.FailClosed() {
		view["fail_closed"] = rs.InvalidReason()
	}
	if h.stats != nil {
		view["stats"] = h.stats.Stats()
	}
	return view
}

// GetPolicy GET /api/policy
func (h *Handler) GetPolicy(ctx context.Context, c *app.RequestContext) {
	if h.rules == nil {
		unavailable(c, "policy source")
		return
	}
	c.JSON(consts.StatusOK, h.policyView())
}

// ReloadPolicy POST /api/policy/reload；加载失败时规则源已进入 fail-closed
func (h *Handler) ReloadPolicy(ctx context.Context, c *app.RequestContext) {
	if h.rules == nil {
		unavailable(c, "policy source")
		return
	}
	if err := h.rules.Reload(); err != nil {
		view := h.policyView()
		view["error"] = err.Error()
		c.JSON(consts.StatusUnprocessableEntity, view)
		return
	}
	c.JSON(consts.StatusOK, h.policyView())
}
