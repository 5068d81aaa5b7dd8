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

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"record-gate/internal/agent"
	"record-gate/internal/agent/executor"
	"record-gate/internal/agent/planner"
	"record-gate/internal/capability"
	"record-gate/internal/capability/builtin"
	"record-gate/internal/clinical"
	"record-gate/internal/model/llm"
	"record-gate/internal/policy"
	"record-gate/internal/runtime/auditlog"
	"record-gate/internal/runtime/session"
	"record-gate/pkg/config"
	"record-gate/pkg/log"
	"record-gate/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内拼装控制环
type Bootstrap struct {
	Config       *config.Config
	Logger       *log.Logger
	Secrets      secrets.Store
	Audit        auditlog.Log
	Directory    clinical.Directory
	Registry     *capability.Registry
	Rules        *policy.Source
	Validator    *policy.Validator
	Executor     *executor.Executor
	Sessions     *session.Manager
	Planner      planner.Planner
	Orchestrator *agent.Orchestrator
	LLM          llm.Client

	closers []func() error
}

// NewBootstrap 根据配置创建 Bootstrap（Secrets/Audit/Directory/Policy/Sessions/Models）
func NewBootstrap(ctx context.Context, cfg *config.Config) (_ *Bootstrap, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	b := &Bootstrap{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	b.Secrets, err = secrets.NewStore(secrets.Config{
		Provider:   cfg.Secrets.Provider,
		Address:    cfg.Secrets.Address,
		Token:      cfg.Secrets.Token,
		PathPrefix: cfg.Secrets.PathPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}
	if err = b.resolveSecrets(ctx); err != nil {
		return nil, err
	}

	audit, closers, err := NewAuditLogFromConfig(ctx, cfg.Audit, logger)
	if err != nil {
		return nil, err
	}
	b.Audit = audit
	b.closers = append(b.closers, closers...)

	dir, closeDir, err := NewDirectoryFromConfig(ctx, cfg.Directory)
	if err != nil {
		return nil, err
	}
	b.Directory = dir
	if closeDir != nil {
		b.closers = append(b.closers, closeDir)
	}

	if key := os.Getenv("UNIDOC_LICENSE_API_KEY"); key != "" {
		if lerr := builtin.SetPDFLicense(key); lerr != nil {
			logger.Warn("unipdf license 设置失败，记录导出将使用纯文本", "error", lerr)
		}
	}

	b.LLM, err = NewLLMClientFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化 LLM 失败: %w", err)
	}

	b.Registry = capability.NewRegistry()
	if err = builtin.Register(b.Registry, builtin.Deps{Directory: b.Directory, Audit: b.Audit, LLM: b.LLM}); err != nil {
		return nil, fmt.Errorf("注册能力失败: %w", err)
	}
	b.Registry.Seal()

	if cfg.Policy.Path != "" {
		b.Rules, err = policy.LoadSource(cfg.Policy.Path, logger)
		if err != nil {
			// fail-closed：规则文件损坏时拒绝一切计划，进程仍然启动以便修复后 reload
			logger.Error("规则集加载失败，进入 fail-closed", "path", cfg.Policy.Path, "error", err)
			err = nil
		}
	} else {
		b.Rules = policy.NewSource(policy.Default())
		b.Rules.SetLogger(logger)
	}

	reasoner, err := NewReasonerFromConfig(ctx, cfg, b.LLM, logger)
	if err != nil {
		return nil, err
	}
	b.Validator = policy.NewValidator(b.Registry, reasoner)
	b.Validator.SetLogger(logger)

	b.Executor = executor.New(b.Registry, b.Validator, b.Rules, b.Audit, executor.ConfigFrom(cfg.Executor, cfg.Policy))
	b.Executor.SetLogger(logger)

	store, err := session.NewStore(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("初始化会话存储失败: %w", err)
	}
	b.closers = append(b.closers, closerOf(store))
	b.Sessions = session.NewManager(store,
		config.ParseDuration(cfg.Session.TTL, session.DefaultTTL),
		cfg.Session.HistoryLimit)
	b.Sessions.SetLogger(logger)

	b.Planner, err = NewPlannerFromConfig(cfg, b.LLM)
	if err != nil {
		return nil, err
	}
	b.Orchestrator = agent.New(b.Planner, b.Executor, b.Registry, b.Sessions, b.Audit, agent.WithLogger(logger))

	logger.Info("record gate 初始化完成",
		"audit", orDefault(cfg.Audit.Type, "memory"),
		"directory", orDefault(cfg.Directory.Type, "memory"),
		"session", orDefault(cfg.Session.Type, "memory"),
		"planner", orDefault(cfg.Planner.Type, "rule"),
		"reasoner", orDefault(cfg.Policy.Reasoner, "local"),
		"capabilities", len(b.Registry.Catalog()))
	return b, nil
}

// resolveSecrets 将 secret://key 形式的配置项替换为 store 中的值
func (b *Bootstrap) resolveSecrets(ctx context.Context) error {
	cfg := b.Config
	fields := []*string{
		&cfg.Model.APIKey,
		&cfg.API.Middleware.JWTKey,
		&cfg.Audit.DSN,
		&cfg.Directory.DSN,
		&cfg.Session.DSN,
		&cfg.Session.Password,
		&cfg.Cache.Password,
	}
	for _, f := range fields {
		v, err := secrets.Resolve(ctx, b.Secrets, *f)
		if err != nil {
			return fmt.Errorf("解析 secret 失败: %w", err)
		}
		*f = v
	}
	return nil
}

// Close 按创建的逆序释放资源
func (b *Bootstrap) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func closerOf(v any) func() error {
	switch c := v.(type) {
	case io.Closer:
		return c.Close
	case interface{ Close() }:
		return func() error { c.Close(); return nil }
	default:
		return func() error { return nil }
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
