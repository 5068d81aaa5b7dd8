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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix 会话键前缀
const RedisKeyPrefix = "gate:session:"

// RedisStore Redis 会话存储：值为 JSON，键 TTL 与会话过期时间一致，读取时再按 ExpiresAt 检查
type RedisStore struct {
	clock
	client *redis.Client
}

// NewRedisStore 基于已有客户端创建
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Recall(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, RedisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	if sess.Expired(s.Now()) {
		return nil, nil
	}
	return &sess, nil
}

func (s *RedisStore) Remember(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	ttl := sess.ExpiresAt.Sub(s.Now())
	if ttl <= 0 {
		return s.client.Del(ctx, RedisKeyPrefix+sess.ID).Err()
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, RedisKeyPrefix+sess.ID, data, ttl).Err()
}

func (s *RedisStore) Forget(ctx context.Context, id string) error {
	return s.client.Del(ctx, RedisKeyPrefix+id).Err()
}

// scan 遍历全部会话
func (s *RedisStore) scan(ctx context.Context, fn func(key string, sess *Session) error) error {
	iter := s.client.Scan(ctx, 0, RedisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("session: decode %s: %w", iter.Val(), err)
		}
		if err := fn(iter.Val(), &sess); err != nil {
			return err
		}
	}
	return iter.Err()
}

// CleanupExpired Redis 自身按 TTL 淘汰；这里删除时钟已判定过期但 TTL 未到的键
func (s *RedisStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := s.scan(ctx, func(key string, sess *Session) error {
		if !sess.Expired(now) {
			return nil
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func (s *RedisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.scan(ctx, func(_ string, sess *Session) error {
		st.Total++
		if sess.Expired(now) {
			st.Expired++
		}
		return nil
	})
	st.Active = st.Total - st.Expired
	return st, err
}
