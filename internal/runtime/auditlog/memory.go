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

package auditlog

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	"record-gate/pkg/metrics"
)

// MemoryLog 内存实现；记录以 JSON 快照保存，读出的记录与调用方互不影响
type MemoryLog struct {
	mu      sync.RWMutex
	records [][]byte
	last    string
	failFn  func(Record) error
}

// NewMemoryLog 创建内存审计日志
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// SetUnavailable 打开后所有 Append 返回 ErrUnavailable
func (m *MemoryLog) SetUnavailable(down bool) {
	if !down {
		m.SetFailure(nil)
		return
	}
	m.SetFailure(func(Record) error { return ErrUnavailable })
}

// SetFailure 注入写失败：fn 返回非 nil 时该次 Append 失败且不落盘
func (m *MemoryLog) SetFailure(fn func(Record) error) {
	m.mu.Lock()
	m.failFn = fn
	m.mu.Unlock()
}

func (m *MemoryLog) Append(ctx context.Context, rec Record) (Record, error) {
	rec = prepare(rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFn != nil {
		if err := m.failFn(rec); err != nil {
			metrics.AuditAppendErrors.Inc()
			return Record{}, err
		}
	}
	rec = seal(rec, int64(len(m.records))+1, m.last)
	b, err := json.Marshal(rec)
	if err != nil {
		metrics.AuditAppendErrors.Inc()
		return Record{}, err
	}
	m.records = append(m.records, b)
	m.last = rec.Hash
	metrics.AuditAppendTotal.WithLabelValues(string(rec.Kind)).Inc()
	return rec, nil
}

func (m *MemoryLog) Query(ctx context.Context, filter Filter) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		n := 0
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			m.mu.RLock()
			if i >= len(m.records) {
				m.mu.RUnlock()
				return
			}
			raw := m.records[i]
			m.mu.RUnlock()

			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				yield(Record{}, err)
				return
			}
			if !filter.Match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
			n++
			if filter.Limit > 0 && n >= filter.Limit {
				return
			}
		}
	}
}

// Len 当前记录数
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
