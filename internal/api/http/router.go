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

package http

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"record-gate/internal/api/http/middleware"
	"record-gate/pkg/auth"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	jwt        *jwt.HertzJWTMiddleware
	authz      *middleware.AuthZMiddleware
	audit      *middleware.AuditMiddleware
	noMetrics  bool
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetJWT 开启 JWT 认证与 RBAC；未设置时所有接口开放（仅用于本地开发）
func (r *Router) SetJWT(mw *jwt.HertzJWTMiddleware, authz *middleware.AuthZMiddleware) {
	r.jwt = mw
	r.authz = authz
	r.handler.SetAuthEnabled(mw != nil)
}

// SetAuditMiddleware 管理接口访问入审计
func (r *Router) SetAuditMiddleware(a *middleware.AuditMiddleware) {
	r.audit = a
}

// DisableMetrics 不暴露 /metrics
func (r *Router) DisableMetrics() { r.noMetrics = true }

// guard 认证 + 权限检查 + 访问审计
func (r *Router) guard(permission auth.Permission, audited bool) []app.HandlerFunc {
	var hs []app.HandlerFunc
	if r.jwt != nil {
		hs = append(hs, r.jwt.MiddlewareFunc(), middleware.Identity(r.jwt))
		if r.authz != nil {
			hs = append(hs, r.authz.RequirePermission(permission))
		}
	}
	if audited && r.audit != nil {
		hs = append(hs, r.audit.AuditAccess())
	}
	return hs
}

func (r *Router) with(permission auth.Permission, audited bool, h app.HandlerFunc) []app.HandlerFunc {
	return append(r.guard(permission, audited), h)
}

// Build 创建 Hertz 服务并注册路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)
	h.Use(r.middleware.CORS())

	if !r.noMetrics {
		h.GET("/metrics", r.handler.Metrics)
	}

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	api.GET("/capabilities", r.handler.ListCapabilities)
	if r.jwt != nil {
		api.POST("/auth/login", r.jwt.LoginHandler)
		api.POST("/auth/refresh", r.jwt.RefreshHandler)
	}

	api.POST("/requests", r.with(auth.PermissionRequestSubmit, false, r.handler.SubmitRequest)...)

	api.GET("/audit", r.with(auth.PermissionAuditView, true, r.handler.QueryAudit)...)
	api.GET("/audit/verify", r.with(auth.PermissionAuditView, true, r.handler.VerifyAudit)...)

	api.GET("/sessions/stats", r.with(auth.PermissionSessionManage, true, r.handler.SessionStats)...)
	api.POST("/sessions/cleanup", r.with(auth.PermissionSessionManage, true, r.handler.CleanupSessions)...)
	api.GET("/sessions/:id", r.with(auth.PermissionSessionManage, true, r.handler.GetSession)...)
	api.DELETE("/sessions/:id", r.with(auth.PermissionSessionManage, true, r.handler.ForgetSession)...)

	api.GET("/policy", r.with(auth.PermissionPolicyManage, true, r.handler.GetPolicy)...)
	api.POST("/policy/reload", r.with(auth.PermissionPolicyManage, true, r.handler.ReloadPolicy)...)
	return h
}
