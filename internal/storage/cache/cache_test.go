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

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"record-gate/pkg/config"
)

type verdictLike struct {
	Decision string `json:"decision"`
	RuleID   string `json:"rule_id"`
}

// exerciseStore 两种实现共用的行为断言
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	in := verdictLike{Decision: "BLOCK", RuleID: "consent.denied"}
	if err := s.Set(ctx, "k1", in, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var out verdictLike
	if err := s.Get(ctx, "k1", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out != in {
		t.Errorf("Get: got %+v", out)
	}
	if ok, _ := s.Exists(ctx, "k1"); !ok {
		t.Error("Exists should be true")
	}
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Get(ctx, "k1", &out); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after Delete: err = %v, want ErrMiss", err)
	}
	if err := s.Delete(ctx, "never-set"); err != nil {
		t.Errorf("Delete missing should not error: %v", err)
	}

	_ = s.Set(ctx, "a", 1, 0)
	_ = s.Set(ctx, "b", 2, 0)
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := s.Exists(ctx, "a"); ok {
		t.Error("Clear should remove all keys")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_Expiration(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })

	_ = s.Set(ctx, "k", "v", time.Minute)
	var v string
	if err := s.Get(ctx, "k", &v); err != nil || v != "v" {
		t.Fatalf("Get before expiry: %q %v", v, err)
	}
	now = now.Add(time.Minute)
	if err := s.Get(ctx, "k", &v); !errors.Is(err, ErrMiss) {
		t.Errorf("Get at expiry: err = %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:")
	defer s.Close()

	_ = client.Set(context.Background(), "other:key", "x", 0).Err()
	exerciseStore(t, s)
	if !mr.Exists("other:key") {
		t.Error("Clear must only remove prefixed keys")
	}

	_ = s.Set(context.Background(), "ttl", "v", time.Second)
	mr.FastForward(2 * time.Second)
	var v string
	if err := s.Get(context.Background(), "ttl", &v); !errors.Is(err, ErrMiss) {
		t.Errorf("expired key: err = %v", err)
	}
}

func TestNewCache(t *testing.T) {
	ctx := context.Background()
	if _, err := NewCache(ctx, config.CacheConfig{Type: "memory"}); err != nil {
		t.Fatalf("memory: %v", err)
	}
	mr := miniredis.RunT(t)
	s, err := NewCache(ctx, config.CacheConfig{Type: "redis", Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	_ = s.Close()
	if _, err := NewCache(ctx, config.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("unknown type should fail")
	}
}
