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

package executor

import (
	"context"
	"errors"
	"time"

	"record-gate/internal/capability"
	"record-gate/internal/plan"
	"record-gate/internal/runtime/auditlog"
	"record-gate/pkg/metrics"
)

type invocation struct {
	result capability.Result
	err    error
}

// invoke 调用能力；超时与可重试失败按 RetryPolicy 重试，返回尝试次数
func (r *run) invoke(ctx context.Context, c capability.Capability, step plan.Step) (capability.Result, int, error) {
	desc := c.Descriptor()
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = r.e.cfg.StepTimeout
	}
	scope := auditlog.Scope{RunID: r.id, RequestID: r.plan.RequestID, SessionID: r.sessionID, StepIndex: step.Index}

	for attempt := 1; ; attempt++ {
		metrics.StepAttempts.WithLabelValues(desc.Name).Inc()
		start := time.Now()
		result, err := r.invokeOnce(auditlog.WithScope(ctx, scope), c, desc, step, timeout)
		outcome := "ok"
		if err != nil {
			outcome = string(capability.ModeOf(err))
		}
		metrics.StepDuration.WithLabelValues(desc.Name, outcome).Observe(time.Since(start).Seconds())

		if err == nil {
			return result, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if !capability.IsRetryable(desc, err) || attempt > r.e.cfg.Retry.MaxRetries {
			return nil, attempt, err
		}
		r.e.logger.Warn("能力调用失败，重试", "run_id", r.id, "step", step.Index, "capability", desc.Name, "attempt", attempt, "error", err)
		if serr := r.e.sleep(ctx, r.e.cfg.Retry.Delay(attempt)); serr != nil {
			return nil, attempt, serr
		}
	}
}

// invokeOnce 单次调用；能力不响应 ctx 时也在超时后返回
func (r *run) invokeOnce(ctx context.Context, c capability.Capability, desc capability.Descriptor, step plan.Step, timeout time.Duration) (capability.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		result, err := c.Invoke(ctx, step.Args)
		done <- invocation{result: result, err: err}
	}()

	select {
	case inv := <-done:
		if inv.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && capability.ModeOf(inv.err) == capability.FailureInternal {
			return nil, capability.Fail(desc.Name, capability.FailureTimeout, context.DeadlineExceeded)
		}
		return inv.result, inv.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, capability.Fail(desc.Name, capability.FailureTimeout, context.DeadlineExceeded)
		}
		return nil, ctx.Err()
	}
}
