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

// Package executor 计划执行状态机：PENDING → VALIDATING → RUNNING → {COMPLETED | ABORTED | FAILED}
package executor

import (
	"context"
	"time"

	"record-gate/internal/capability"
	"record-gate/internal/plan"
	"record-gate/pkg/config"
	gateerrors "record-gate/pkg/errors"
)

// State 执行状态
type State string

const (
	StatePending    State = "PENDING"
	StateValidating State = "VALIDATING"
	StateRunning    State = "RUNNING"
	StateCompleted  State = "COMPLETED"
	StateAborted    State = "ABORTED"
	StateFailed     State = "FAILED"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// RetryPolicy 可重试失败的重试策略：指数退避，上限 MaxBackoff
type RetryPolicy struct {
	// MaxRetries 最大重试次数（不含首次）
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Delay 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Config 执行器配置
type Config struct {
	// MaxCorrections 允许的连续 CORRECT 次数；规则集设置了非零值时以规则集为准
	MaxCorrections int
	// StepTimeout 单次能力调用超时；能力描述中的 Timeout 优先
	StepTimeout time.Duration
	// ReasonerTimeout 单次策略校验超时
	ReasonerTimeout time.Duration
	// ReasonerRetries 策略推理失败的重试次数，之后以 policy_unavailable 结束
	ReasonerRetries int
	Retry           RetryPolicy
	// PostValidate 每步执行后做结果校验
	PostValidate bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxCorrections:  2,
		StepTimeout:     10 * time.Second,
		ReasonerTimeout: 15 * time.Second,
		ReasonerRetries: 2,
		Retry:           RetryPolicy{MaxRetries: 2, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second},
		PostValidate:    true,
	}
}

// ConfigFrom 由应用配置构造执行器配置
func ConfigFrom(ec config.ExecutorConfig, pc config.PolicyConfig) Config {
	def := DefaultConfig()
	cfg := Config{
		MaxCorrections:  pc.MaxCorrections,
		StepTimeout:     config.ParseDuration(ec.StepTimeout, def.StepTimeout),
		ReasonerTimeout: config.ParseDuration(ec.ReasonerTimeout, def.ReasonerTimeout),
		ReasonerRetries: def.ReasonerRetries,
		Retry: RetryPolicy{
			MaxRetries: ec.MaxRetries,
			Backoff:    config.ParseDuration(ec.Backoff, def.Retry.Backoff),
			MaxBackoff: config.ParseDuration(ec.MaxBackoff, def.Retry.MaxBackoff),
		},
		PostValidate: true,
	}
	if cfg.MaxCorrections <= 0 {
		cfg.MaxCorrections = def.MaxCorrections
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if ec.PostValidate != nil {
		cfg.PostValidate = *ec.PostValidate
	}
	return cfg
}

// StepResult 已尝试步骤的结果
type StepResult struct {
	Index      int               `json:"index"`
	Capability string            `json:"capability"`
	Result     capability.Result `json:"result,omitempty"`
	Attempts   int               `json:"attempts"`
	Outcome    string            `json:"outcome"`
	Error      string            `json:"error,omitempty"`
}

// Outcome 一次运行的终态
type Outcome struct {
	RunID       string          `json:"run_id"`
	State       State           `json:"state"`
	Code        gateerrors.Code `json:"code,omitempty"`
	StepIndex   int             `json:"step_index,omitempty"`
	RuleID      string          `json:"rule_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Plan        *plan.Plan      `json:"plan,omitempty"`
	Results     []StepResult    `json:"results,omitempty"`
	Corrections []plan.Verdict  `json:"corrections,omitempty"`
	// StepRecords 写入的执行记录数（Kind=step）
	StepRecords int `json:"step_records"`
	// Records 本次运行写入的全部审计记录数
	Records  int           `json:"records"`
	Duration time.Duration `json:"duration"`
}

// Err 非 COMPLETED 时返回带原因码的错误
func (o *Outcome) Err() error {
	if o == nil || o.State == StateCompleted {
		return nil
	}
	return &gateerrors.Error{Code: o.Code, StepIndex: o.StepIndex, RuleID: o.RuleID, Message: o.Reason}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
