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

package worker

import (
	"context"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"record-gate/internal/app"
	"record-gate/pkg/config"
	"record-gate/pkg/tracing"
)

// App Worker 应用：会话清理与规则文件热加载
type App struct {
	bootstrap   *app.Bootstrap
	janitor     *Janitor
	tracer      *sdktrace.TracerProvider
	cancelWatch context.CancelFunc
}

// NewApp 创建新的 Worker 应用
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	b, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		bootstrap: b,
		janitor:   NewJanitor(b.Sessions, config.ParseDuration(b.Config.Session.SweepInterval, 0), b.Logger),
	}

	if t := b.Config.Monitoring.Tracing; t.Enable && t.ExportEndpoint != "" {
		name := t.ServiceName
		if name == "" {
			name = "record-gate-worker"
		}
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    name,
			ExportEndpoint: t.ExportEndpoint,
			Insecure:       t.Insecure,
		})
		if err != nil {
			b.Logger.Warn("链路追踪初始化失败", "error", err)
		} else {
			a.tracer = tp
		}
	}
	return a, nil
}

// Start 启动应用
func (a *App) Start() error {
	logger := a.bootstrap.Logger
	logger.Info("启动 worker 应用", "session_store", a.bootstrap.Config.Session.Type)

	if a.bootstrap.Config.Session.Type == "" || a.bootstrap.Config.Session.Type == "memory" {
		logger.Warn("session.type=memory，worker 无法清理 API 进程中的会话")
	}
	a.janitor.Start(context.Background())

	if a.bootstrap.Config.Policy.Watch {
		if a.bootstrap.Rules.Path() == "" {
			return fmt.Errorf("policy.watch 需要配置 policy.path")
		}
		ctx, cancel := context.WithCancel(context.Background())
		a.cancelWatch = cancel
		go func() {
			if err := a.bootstrap.Rules.Watch(ctx); err != nil {
				logger.Warn("规则文件监听退出", "error", err)
			}
		}()
	}

	logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 关闭应用
func (a *App) Shutdown(ctx context.Context) error {
	logger := a.bootstrap.Logger
	logger.Info("关闭 worker 应用")

	a.janitor.Stop()
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Error("关闭 tracer 失败", "error", err)
		}
	}
	if err := a.bootstrap.Close(); err != nil {
		logger.Error("关闭存储失败", "error", err)
	}

	logger.Info("worker 应用关闭成功")
	return nil
}
