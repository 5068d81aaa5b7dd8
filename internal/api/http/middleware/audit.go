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

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"record-gate/internal/runtime/auditlog"
	"record-gate/pkg/auth"
	"record-gate/pkg/log"
)

// AuditMiddleware 管理接口访问审计：查看审计、管理会话与策略的调用本身也入审计日志
type AuditMiddleware struct {
	audit  auditlog.Log
	logger *log.Logger
}

// NewAuditMiddleware 创建审计中间件
func NewAuditMiddleware(audit auditlog.Log, logger *log.Logger) *AuditMiddleware {
	return &AuditMiddleware{audit: audit, logger: logger.Component("api.audit")}
}

// AuditAccess 记录 API 访问；写入与响应同步完成，写失败只记日志
func (a *AuditMiddleware) AuditAccess() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		path := string(c.Path())
		action := determineAction(string(c.Method()), path)
		resourceType, resourceID := extractResource(path)
		outcome := auditlog.OutcomeSucceeded
		if c.Response.StatusCode() >= 400 {
			outcome = auditlog.OutcomeFailed
		}
		rec := auditlog.Record{
			PrincipalID: auth.GetPrincipalID(ctx),
			Kind:        auditlog.KindAccess,
			Event:       auditlog.EventAPIAccessed,
			Outcome:     outcome,
			Detail:      action,
			Args:        map[string]any{"resource_type": resourceType, "resource_id": resourceID, "query": string(c.URI().QueryString())},
			Result:      map[string]any{"status": c.Response.StatusCode(), "duration_ms": time.Since(start).Milliseconds()},
		}
		if resourceType == "session" {
			rec.SessionID = resourceID
		}
		if _, err := a.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
			a.logger.Error("API 访问审计写入失败", "action", action, "error", err)
		}
	}
}

// determineAction 根据 HTTP 方法和路径确定操作类型
func determineAction(method string, path string) string {
	switch {
	case strings.HasPrefix(path, "/api/audit/verify"):
		return "verify_audit"
	case strings.HasPrefix(path, "/api/audit"):
		return "view_audit"
	case strings.HasPrefix(path, "/api/sessions/cleanup"):
		return "cleanup_sessions"
	case strings.HasPrefix(path, "/api/sessions/stats"):
		return "view_session_stats"
	case strings.HasPrefix(path, "/api/sessions/"):
		if method == "DELETE" {
			return "forget_session"
		}
		return "view_session"
	case strings.HasPrefix(path, "/api/policy/reload"):
		return "reload_policy"
	case strings.HasPrefix(path, "/api/policy"):
		return "view_policy"
	}
	return "unknown"
}

// extractResource 从路径提取资源类型和 ID
func extractResource(path string) (resourceType string, resourceID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "unknown", ""
	}
	switch parts[1] {
	case "sessions":
		if len(parts) >= 3 && parts[2] != "stats" && parts[2] != "cleanup" {
			return "session", parts[2]
		}
		return "session", ""
	case "audit":
		return "audit", ""
	case "policy":
		return "policy", ""
	}
	return "unknown", ""
}
