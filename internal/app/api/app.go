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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"record-gate/internal/api/http"
	"record-gate/internal/api/http/middleware"
	"record-gate/internal/app"
	"record-gate/pkg/auth"
	"record-gate/pkg/config"
	"record-gate/pkg/redaction"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware；控制环由 Bootstrap 提供）
type App struct {
	config       *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	cancelWatch  context.CancelFunc
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	logger := bootstrap.Logger

	handler := http.NewHandler(bootstrap.Orchestrator, bootstrap.Audit)
	handler.SetSessions(bootstrap.Sessions)
	handler.SetCatalog(bootstrap.Registry)
	handler.SetPolicy(bootstrap.Rules, bootstrap.Validator)
	handler.SetLogger(logger)
	if cfg.Redaction.Enable {
		handler.SetRedactor(redaction.NewEngine(redaction.FromConfig(cfg.Redaction)))
	}

	var origins []string
	if cfg.API.CORS.Enable {
		origins = cfg.API.CORS.AllowOrigins
	}
	router := http.NewRouter(handler, middleware.NewMiddleware(origins...))
	router.SetAuditMiddleware(middleware.NewAuditMiddleware(bootstrap.Audit, logger))
	if !cfg.Monitoring.Prometheus.Enable {
		router.DisableMetrics()
	}

	mwCfg := cfg.API.Middleware
	if mwCfg.Auth {
		if mwCfg.JWTKey == "" {
			return nil, fmt.Errorf("api.middleware.auth 已开启但 jwt_key 为空")
		}
		rbac := auth.NewSimpleRBACChecker(auth.NewMemoryRoleStore(principalRoles(mwCfg.Roles)))
		jwtAuth, err := middleware.NewJWTAuth([]byte(mwCfg.JWTKey),
			config.ParseDuration(mwCfg.JWTTimeout, time.Hour),
			config.ParseDuration(mwCfg.JWTMaxRefresh, time.Hour),
			bootstrap.Secrets, rbac)
		if err != nil {
			return nil, fmt.Errorf("JWT 初始化失败: %w", err)
		}
		router.SetJWT(jwtAuth, middleware.NewAuthZMiddleware(rbac))
		handler.SetAuthEnabled(true)
		logger.Info("JWT 认证已启用", "roles", len(mwCfg.Roles))
	} else {
		logger.Warn("API 认证未开启，请求中的 principal_id 将被直接信任")
	}

	return &App{config: bootstrap, router: router}, nil
}

// principalRoles viper 会把 map key 转为小写，这里还原为大写的工号
func principalRoles(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for id, role := range m {
		out[strings.ToUpper(id)] = role
	}
	return out
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.config.Config
	a.config.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 规则文件热加载
	if cfg.Policy.Watch && a.config.Rules.Path() != "" {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancelWatch = cancel
		go func() {
			if err := a.config.Rules.Watch(ctx); err != nil {
				a.config.Logger.Warn("规则文件监听退出", "error", err)
			}
		}()
	}

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "record-gate-api"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tcfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
			a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		}
	}
	if a.hertz == nil {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	return a.config.Close()
}
