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

// Package capability 定义执行器可调用的外部能力：带类型的入参 Schema、副作用类别与失败模式
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SideEffect 副作用类别
type SideEffect string

const (
	ReadOnly SideEffect = "read_only"
	Mutating SideEffect = "mutating"
)

// FailureMode 能力声明的失败模式
type FailureMode string

const (
	FailureNotFound    FailureMode = "not_found"
	FailureInvalidArg  FailureMode = "invalid_argument"
	FailureUnavailable FailureMode = "unavailable"
	FailureTimeout     FailureMode = "timeout"
	FailureDenied      FailureMode = "denied"
	FailureInternal    FailureMode = "internal"
)

// Result 能力调用结果（写入审计记录，供结果校验读取字段）
type Result map[string]any

// Bool 读取布尔字段，缺失或类型不符时为 false
func (r Result) Bool(field string) bool {
	v, _ := r[field].(bool)
	return v
}

// String 读取字符串字段
func (r Result) String(field string) string {
	v, _ := r[field].(string)
	return v
}

// Descriptor 能力描述，注册后视为不可变
type Descriptor struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Schema       Schema        `json:"parameters"`
	SideEffect   SideEffect    `json:"side_effect"`
	Retryable    bool          `json:"retryable"`
	Timeout      time.Duration `json:"timeout,omitempty"` // 0 表示使用执行器默认值
	FailureModes []FailureMode `json:"failure_modes,omitempty"`
}

// IsMutating 是否为有副作用的能力
func (d Descriptor) IsMutating() bool { return d.SideEffect == Mutating }

// Capability 可被执行器调用的能力
type Capability interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// Error 能力调用失败
type Error struct {
	Capability string
	Mode       FailureMode
	Retryable  bool
	Err        error
}

// Fail 构造能力错误；unavailable 与 timeout 默认可重试
func Fail(capability string, mode FailureMode, err error) *Error {
	return &Error{
		Capability: capability,
		Mode:       mode,
		Retryable:  mode == FailureUnavailable || mode == FailureTimeout,
		Err:        err,
	}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Capability, e.Mode)
	}
	return fmt.Sprintf("%s: %s: %v", e.Capability, e.Mode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ModeOf 提取失败模式；超时映射为 timeout，其余未知错误为 internal
func ModeOf(err error) FailureMode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Mode
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureInternal
}

// IsRetryable 失败是否可重试：能力须声明可重试，且错误为超时或标记为可重试的能力错误
func IsRetryable(desc Descriptor, err error) bool {
	if err == nil || !desc.Retryable {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Func 由函数实现的能力，便于装配与测试
type Func struct {
	Desc Descriptor
	Fn   func(ctx context.Context, args map[string]any) (Result, error)
}

func (f *Func) Descriptor() Descriptor { return f.Desc }

func (f *Func) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return f.Fn(ctx, args)
}
