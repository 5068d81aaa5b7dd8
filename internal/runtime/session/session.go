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

// Package session 短期会话记忆：调用者、最近访问的患者与对话摘要，过期后惰性删除
package session

import (
	"context"
	"slices"
	"time"
)

// Turn 一次请求的摘要
type Turn struct {
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id"`
	Text      string    `json:"text"`
	Action    string    `json:"action"`
	SubjectID string    `json:"subject_id,omitempty"`
	State     string    `json:"state"`
	Code      string    `json:"code,omitempty"`
}

// Session 单个会话；同一 ID 至多一个有效会话
type Session struct {
	ID            string    `json:"id"`
	PrincipalID   string    `json:"principal_id"`
	LastSubjectID string    `json:"last_subject_id,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	LastAction    string    `json:"last_action,omitempty"`
	History       []Turn    `json:"history,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired now 不早于 ExpiresAt 即视为过期
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone 拷贝，存储实现进出均拷贝
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = slices.Clone(s.History)
	return &c
}

// Stats 会话统计
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// Store 会话存储；Recall 对不存在或已过期的会话返回 nil
type Store interface {
	Recall(ctx context.Context, id string) (*Session, error)
	// Remember 按 ID upsert，后写者胜
	Remember(ctx context.Context, s *Session) error
	Forget(ctx context.Context, id string) error
	// CleanupExpired 删除 now 时已过期的会话，返回删除数
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// clock 各存储共用的可替换时钟
type clock struct {
	now func() time.Time
}

func (c *clock) Now() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// SetClock 替换时钟（测试用）
func (c *clock) SetClock(now func() time.Time) { c.now = now }
