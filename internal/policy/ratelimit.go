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

package policy

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"record-gate/internal/plan"
	"record-gate/pkg/config"
	"record-gate/pkg/metrics"
)

// RateLimitedReasoner 为远程推理服务加令牌桶与并发上限
type RateLimitedReasoner struct {
	inner   Reasoner
	limiter *rate.Limiter
	sem     chan struct{}
	name    string
}

// NewRateLimitedReasoner 按配置包装推理器；RequestsPerMinute<=0 表示不限速
func NewRateLimitedReasoner(inner Reasoner, cfg config.ReasonerRateLimitConfig) *RateLimitedReasoner {
	rl := &RateLimitedReasoner{inner: inner, name: "reasoner"}
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		rl.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst)
	}
	if cfg.MaxConcurrent > 0 {
		rl.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return rl
}

// Wait 等待令牌与并发槽位；返回的 release 必须调用
func (r *RateLimitedReasoner) Wait(ctx context.Context) (release func(), err error) {
	start := time.Now()
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	release = func() {}
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			release = func() { <-r.sem }
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if wait := time.Since(start); wait > 100*time.Millisecond {
		metrics.RateLimitWaitSeconds.WithLabelValues(r.name).Observe(wait.Seconds())
	}
	return release, nil
}

// Reason 实现 Reasoner
func (r *RateLimitedReasoner) Reason(ctx context.Context, q Query, rules *RuleSet) (plan.Verdict, error) {
	release, err := r.Wait(ctx)
	if err != nil {
		return plan.Verdict{}, err
	}
	defer release()
	return r.inner.Reason(ctx, q, rules)
}
