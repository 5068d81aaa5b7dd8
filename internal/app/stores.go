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
	"fmt"
	"time"

	"record-gate/internal/clinical"
	"record-gate/internal/runtime/auditlog"
	"record-gate/pkg/config"
	"record-gate/pkg/log"
)

// NewAuditLogFromConfig audit.type=memory|postgres|sqlite；配置了 audit.nats.url 时追加 NATS 镜像
func NewAuditLogFromConfig(ctx context.Context, cfg config.AuditConfig, logger *log.Logger) (auditlog.Log, []func() error, error) {
	var (
		l       auditlog.Log
		closers []func() error
	)
	switch cfg.Type {
	case "", "memory":
		l = auditlog.NewMemoryLog()
	case "postgres":
		pg, err := auditlog.NewPostgresLog(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化审计存储失败: %w", err)
		}
		closers = append(closers, func() error { pg.Close(); return nil })
		l = pg
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "data/audit.db"
		}
		lite, err := auditlog.NewSQLiteLog(path)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化审计存储失败: %w", err)
		}
		closers = append(closers, lite.Close)
		l = lite
	default:
		return nil, nil, fmt.Errorf("unsupported audit type: %s", cfg.Type)
	}

	if cfg.NATS.URL != "" {
		nc, err := auditlog.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			logger.Warn("NATS 连接失败，审计镜像未启用", "url", cfg.NATS.URL, "error", err)
		} else {
			closers = append(closers, func() error { nc.Close(); return nil })
			l = auditlog.NewMirror(l, nc, cfg.NATS.Subject, logger)
			logger.Info("审计镜像已启用", "subject", cfg.NATS.Subject)
		}
	}
	return l, closers, nil
}

// NewDirectoryFromConfig directory.type=memory|postgres；memory 为演示数据
func NewDirectoryFromConfig(ctx context.Context, cfg config.DirectoryConfig) (clinical.Directory, func() error, error) {
	switch cfg.Type {
	case "", "memory":
		return clinical.NewSeededDirectory(time.Now()), nil, nil
	case "postgres":
		d, err := clinical.NewPostgresDirectory(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化临床目录失败: %w", err)
		}
		if cfg.Seed {
			if err := d.Seed(ctx, clinical.NewSeededDirectory(time.Now())); err != nil {
				d.Close()
				return nil, nil, fmt.Errorf("写入演示数据失败: %w", err)
			}
		}
		return d, func() error { d.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported directory type: %s", cfg.Type)
	}
}
