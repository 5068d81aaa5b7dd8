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

// Package builtin 内置能力：身份核验、同意书检查、病历读取/追加/渲染/摘要、访问日志与令牌签发
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"record-gate/internal/capability"
	"record-gate/internal/clinical"
	"record-gate/internal/model/llm"
	"record-gate/internal/runtime/auditlog"
)

// 能力名
const (
	VerifyCredentials = "verify_credentials"
	CheckConsent      = "check_consent"
	FetchRecord       = "fetch_record"
	LogAccess         = "log_access"
	AppendRecord      = "append_record"
	Render            = "render"
	Summarize         = "summarize"
	IssueToken        = "issue_token"
)

// Deps 内置能力的依赖；LLM 可为空（摘要使用确定性摘要）
type Deps struct {
	Directory clinical.Directory
	Audit     auditlog.Log
	LLM       llm.Client
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// All 创建全部内置能力
func All(deps Deps) []capability.Capability {
	return []capability.Capability{
		&verifyCredentials{deps},
		&checkConsent{deps},
		&fetchRecord{deps},
		&logAccess{deps},
		&appendRecord{deps},
		&render{deps},
		&summarize{deps},
		&issueToken{deps},
	}
}

// Register 注册全部内置能力
func Register(reg *capability.Registry, deps Deps) error {
	if deps.Directory == nil {
		return errors.New("builtin: directory is required")
	}
	for _, c := range All(deps) {
		if c.Descriptor().Name == LogAccess && deps.Audit == nil {
			return errors.New("builtin: audit log is required for log_access")
		}
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// directoryError 目录错误映射为能力失败模式
func directoryError(name string, err error) error {
	switch {
	case errors.Is(err, clinical.ErrNotFound):
		return capability.Fail(name, capability.FailureNotFound, err)
	case errors.Is(err, clinical.ErrInvalidID):
		return capability.Fail(name, capability.FailureInvalidArg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return capability.Fail(name, capability.FailureTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return capability.Fail(name, capability.FailureUnavailable, err)
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// toResult 经 JSON 转为通用 map，结果写入审计时形态稳定
func toResult(v any) (capability.Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out capability.Result
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}
