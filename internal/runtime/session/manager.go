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
	"fmt"
	"time"

	"github.com/google/uuid"

	"record-gate/internal/storage/cache"
	"record-gate/pkg/config"
	"record-gate/pkg/log"
	"record-gate/pkg/metrics"
)

const (
	// DefaultTTL 会话有效期
	DefaultTTL = 12 * time.Hour
	// DefaultHistoryLimit 保留的最近请求数
	DefaultHistoryLimit = 5
)

// NewStore 根据配置创建会话存储
func NewStore(ctx context.Context, cfg config.SessionConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "data/sessions.db"
		}
		return NewSQLiteStore(path)
	case "redis":
		client, err := cache.NewRedisClient(ctx, cfg.Addr, cfg.Password, cfg.DB)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", cfg.Type)
	}
}

// Update 一次请求结束后写回会话的内容
type Update struct {
	SessionID   string
	PrincipalID string
	SubjectID   string // 为空时沿用上次的患者
	Action      string
	Summary     string
	Turn        Turn
}

// Manager 管理 Session 生命周期：TTL、历史截断与调用者隔离
type Manager struct {
	store        Store
	ttl          time.Duration
	historyLimit int
	now          func() time.Time
	logger       *log.Logger
}

// NewManager 创建 Manager；ttl<=0 与 historyLimit<=0 时使用默认值
func NewManager(store Store, ttl time.Duration, historyLimit int) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Manager{store: store, ttl: ttl, historyLimit: historyLimit, now: time.Now, logger: log.Nop()}
}

// SetClock 替换时钟（测试用）
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetLogger 设置日志
func (m *Manager) SetLogger(l *log.Logger) { m.logger = l.Component("session") }

// Store 底层存储
func (m *Manager) Store() Store { return m.store }

// NewID 生成会话 ID
func NewID() string {
	return "session-" + uuid.New().String()
}

// Recall 读取会话；不存在、已过期或属于其他调用者时返回 nil
func (m *Manager) Recall(ctx context.Context, id, principalID string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	s, err := m.store.Recall(ctx, id)
	if err != nil || s == nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		return nil, nil
	}
	if principalID != "" && s.PrincipalID != principalID {
		m.logger.Warn("session principal mismatch, ignoring", "session_id", id, "principal_id", principalID)
		return nil, nil
	}
	return s, nil
}

// Record 基于 prev（可为 nil）生成下一版会话并持久化；过期时间顺延一个 TTL
func (m *Manager) Record(ctx context.Context, prev *Session, u Update) (*Session, error) {
	now := m.now()
	next := &Session{ID: u.SessionID, PrincipalID: u.PrincipalID, CreatedAt: now}
	if prev != nil && prev.ID == u.SessionID && prev.PrincipalID == u.PrincipalID {
		next = prev.Clone()
	}
	if prev == nil && next.ID != "" {
		// 会话 ID 被其他调用者占用时另起新会话
		existing, err := m.store.Recall(ctx, next.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.PrincipalID != u.PrincipalID {
			next.ID = ""
		}
	}
	if next.ID == "" {
		next.ID = NewID()
	}
	if u.SubjectID != "" {
		next.LastSubjectID = u.SubjectID
	}
	if u.Action != "" {
		next.LastAction = u.Action
	}
	if u.Summary != "" {
		next.Summary = u.Summary
	}
	if u.Turn.At.IsZero() {
		u.Turn.At = now
	}
	next.History = append(next.History, u.Turn)
	if over := len(next.History) - m.historyLimit; over > 0 {
		next.History = next.History[over:]
	}
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(m.ttl)

	if err := m.store.Remember(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Forget 删除会话
func (m *Manager) Forget(ctx context.Context, id string) error {
	return m.store.Forget(ctx, id)
}

// Stats 当前统计
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return m.store.Stats(ctx, m.now())
}

// Sweep 清理过期会话并刷新指标
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	n, err := m.store.CleanupExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	metrics.SessionsSwept.Add(float64(n))
	if st, err := m.store.Stats(ctx, now); err == nil {
		metrics.SessionsActive.Set(float64(st.Active))
	}
	if n > 0 {
		m.logger.Info("expired sessions removed", "count", n)
	}
	return n, nil
}
