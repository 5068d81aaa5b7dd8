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

// Package errors 提供统一错误辅助与网关错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// 网关终态错误分类；调用方用 errors.Is 判断类别
var (
	ErrPlanningFailure   = errors.New("gate: planning failure")
	ErrPolicyBlock       = errors.New("gate: policy block")
	ErrUncorrectable     = errors.New("gate: uncorrectable after retries")
	ErrCapabilityFailure = errors.New("gate: capability failure")
	ErrExecutionFailed   = errors.New("gate: execution failed")
	ErrAuditWrite        = errors.New("gate: audit write failure")
	ErrCancelled         = errors.New("gate: cancelled")
	ErrPolicyUnavailable = errors.New("gate: policy reasoning unavailable")
)

// Code 机器可读的原因码，随每个终态结果返回
type Code string

const (
	CodeNone              Code = ""
	CodePlanningFailed    Code = "planning_failed"
	CodePolicyBlock       Code = "policy_block"
	CodeUncorrectable     Code = "uncorrectable"
	CodeExecutionFailed   Code = "execution_failed"
	CodeAuditWriteFailed  Code = "audit_write_failed"
	CodeCancelled         Code = "cancelled"
	CodePolicyUnavailable Code = "policy_unavailable"
)

var codeSentinels = map[Code]error{
	CodePlanningFailed:    ErrPlanningFailure,
	CodePolicyBlock:       ErrPolicyBlock,
	CodeUncorrectable:     ErrUncorrectable,
	CodeExecutionFailed:   ErrExecutionFailed,
	CodeAuditWriteFailed:  ErrAuditWrite,
	CodeCancelled:         ErrCancelled,
	CodePolicyUnavailable: ErrPolicyUnavailable,
}

// Error 网关终态错误：原因码 + 发生位置（步骤序号，0 表示计划级）+ 触发规则
type Error struct {
	Code      Code
	StepIndex int
	RuleID    string
	Message   string
	Err       error
}

// New 创建带原因码的错误
func New(code Code, stepIndex int, message string) *Error {
	return &Error{Code: code, StepIndex: stepIndex, Message: message}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.StepIndex > 0 {
		msg = fmt.Sprintf("%s at step %d", msg, e.StepIndex)
	}
	if e.RuleID != "" {
		msg += " [" + e.RuleID + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按原因码匹配对应的哨兵错误
func (e *Error) Is(target error) bool {
	if s, ok := codeSentinels[e.Code]; ok && s == target {
		return true
	}
	return false
}

// CodeOf 提取错误链上的原因码；非网关错误返回 CodeNone
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeNone
}

// Is 转发标准库 errors.Is，便于调用方只引入本包
func Is(err, target error) bool { return errors.Is(err, target) }

// As 转发标准库 errors.As
func As(err error, target any) bool { return errors.As(err, target) }

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
