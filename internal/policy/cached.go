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
	"errors"
	"sync/atomic"
	"time"

	"record-gate/internal/plan"
	"record-gate/internal/storage/cache"
	"record-gate/pkg/metrics"
)

// CachedReasoner 按 (计划指纹, 规则集摘要) 缓存计划级裁决
type CachedReasoner struct {
	inner Reasoner
	store cache.Store
	ttl   time.Duration

	backendErrs atomic.Int64
}

// BackendErrors 缓存后端读写失败次数
func (c *CachedReasoner) BackendErrors() int64 { return c.backendErrs.Load() }

// NewCachedReasoner 创建带缓存的推理器
func NewCachedReasoner(inner Reasoner, store cache.Store, ttl time.Duration) *CachedReasoner {
	return &CachedReasoner{inner: inner, store: store, ttl: ttl}
}

func verdictKey(q Query, rules *RuleSet) string {
	return "verdict:" + rules.Digest() + ":" + q.Plan.Fingerprint()
}

// Reason 实现 Reasoner；结果查询不缓存
func (c *CachedReasoner) Reason(ctx context.Context, q Query, rules *RuleSet) (plan.Verdict, error) {
	if q.Plan == nil || q.Step != nil {
		return c.inner.Reason(ctx, q, rules)
	}
	key := verdictKey(q, rules)
	var cached plan.Verdict
	err := c.store.Get(ctx, key, &cached)
	if err == nil {
		if cached.Replacement != nil {
			// 替换计划沿用当前计划的标识
			r := cached.Replacement
			r.ID, r.RequestID = q.Plan.ID, q.Plan.RequestID
		}
		return cached, nil
	}
	// 缓存后端故障按未命中处理
	if !errors.Is(err, cache.ErrMiss) {
		c.backendError("get")
	}
	v, err := c.inner.Reason(ctx, q, rules)
	if err != nil {
		return plan.Verdict{}, err
	}
	// 写入失败不影响裁决，只计数
	if err := c.store.Set(ctx, key, v, c.ttl); err != nil {
		c.backendError("set")
	}
	return v, nil
}

func (c *CachedReasoner) backendError(op string) {
	c.backendErrs.Add(1)
	metrics.VerdictCacheErrors.WithLabelValues(op).Inc()
}
