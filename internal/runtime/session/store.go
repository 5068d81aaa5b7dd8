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

package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 内存实现（map + mutex）
type MemoryStore struct {
	clock
	mu   sync.RWMutex
	sess map[string]*Session
}

// NewMemoryStore 创建内存 Session 存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sess: make(map[string]*Session)}
}

// Recall 实现 Store；过期会话不返回但保留到清理
func (m *MemoryStore) Recall(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sess[id]
	if !ok || s.Expired(m.Now()) {
		return nil, nil
	}
	return s.Clone(), nil
}

// Remember 实现 Store
func (m *MemoryStore) Remember(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess[s.ID] = s.Clone()
	return nil
}

// Forget 实现 Store
func (m *MemoryStore) Forget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sess, id)
	return nil
}

// CleanupExpired 实现 Store
func (m *MemoryStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sess {
		if s.Expired(now) {
			delete(m.sess, id)
			n++
		}
	}
	return n, nil
}

// Stats 实现 Store
func (m *MemoryStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Total: len(m.sess)}
	for _, s := range m.sess {
		if s.Expired(now) {
			st.Expired++
		}
	}
	st.Active = st.Total - st.Expired
	return st, nil
}
