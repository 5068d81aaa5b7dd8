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

// Package planner 将自然语言请求转为候选计划；规划器不可信，产出的计划一律交给策略校验
package planner

import (
	"context"
	"fmt"

	"record-gate/internal/capability"
	"record-gate/internal/plan"
	gateerrors "record-gate/pkg/errors"
)

// SessionContext 会话回忆：调用者与最近访问的对象
type SessionContext struct {
	PrincipalID   string
	LastSubjectID string
	LastAction    string
}

// Planner 规划器接口；失败时返回 *Failure，不返回部分计划
type Planner interface {
	Plan(ctx context.Context, req plan.Request, catalog []capability.Descriptor, sc SessionContext) (*plan.Plan, error)
}

// Func 函数形式的 Planner
type Func func(ctx context.Context, req plan.Request, catalog []capability.Descriptor, sc SessionContext) (*plan.Plan, error)

// Plan 实现 Planner
func (f Func) Plan(ctx context.Context, req plan.Request, catalog []capability.Descriptor, sc SessionContext) (*plan.Plan, error) {
	return f(ctx, req, catalog, sc)
}

// Failure 规划失败；errors.Is(err, errors.ErrPlanningFailure) 为 true
type Failure struct {
	Reason string
	Err    error
}

func failf(format string, args ...any) *Failure {
	return &Failure{Reason: fmt.Sprintf(format, args...)}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return "planning failed: " + f.Reason + ": " + f.Err.Error()
	}
	return "planning failed: " + f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// Is 匹配 ErrPlanningFailure
func (f *Failure) Is(target error) bool { return target == gateerrors.ErrPlanningFailure }

// checkCatalog 计划中的每一步都必须来自目录且入参合法
func checkCatalog(p *plan.Plan, catalog []capability.Descriptor) error {
	byName := make(map[string]capability.Descriptor, len(catalog))
	for _, d := range catalog {
		byName[d.Name] = d
	}
	for _, s := range p.Steps {
		d, ok := byName[s.Capability]
		if !ok {
			return failf("capability %q is not available", s.Capability)
		}
		if err := d.Schema.ValidateArgs(s.Args); err != nil {
			return &Failure{Reason: fmt.Sprintf("step %d (%s) has invalid arguments", s.Index, s.Capability), Err: err}
		}
	}
	return nil
}
