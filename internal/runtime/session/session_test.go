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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clockedStore interface {
	Store
	SetClock(func() time.Time)
}

// exerciseStore 各实现共用：记住后 TTL 内可取回，过期后行仍在但 Recall 为空
func exerciseStore(t *testing.T, s clockedStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	s.SetClock(func() time.Time { return now })

	sess := &Session{
		ID: "s1", PrincipalID: "DR_0001", LastSubjectID: "PT_0001", Summary: "fetched PT_0001",
		History:   []Turn{{At: now, RequestID: "r1", Text: "show PT_0001", Action: "access", State: "COMPLETED"}},
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.Remember(ctx, sess))

	got, err := s.Recall(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PT_0001", got.LastSubjectID)
	assert.Equal(t, "DR_0001", got.PrincipalID)
	require.Len(t, got.History, 1)
	assert.Equal(t, "r1", got.History[0].RequestID)

	sess.Summary = "second write wins"
	require.NoError(t, s.Remember(ctx, sess))
	got, _ = s.Recall(ctx, "s1")
	assert.Equal(t, "second write wins", got.Summary)

	missing, err := s.Recall(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.Remember(ctx, &Session{ID: "s2", PrincipalID: "DR_0001", ExpiresAt: now.Add(2 * time.Hour)}))

	now = now.Add(90 * time.Minute)
	expired, err := s.Recall(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, expired, "expired session must not be recalled")

	st, err := s.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Active: 1, Expired: 1}, st, "expired row still exists until cleanup")

	n, err := s.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Forget(ctx, "s2"))
	st, err = s.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore_KeyTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()
	require.NoError(t, s.Remember(ctx, &Session{ID: "ttl", ExpiresAt: time.Now().Add(time.Minute)}))
	ttl := mr.TTL(RedisKeyPrefix + "ttl")
	assert.Greater(t, ttl, 50*time.Second)
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_GATE_DSN")
	if dsn == "" {
		t.Skip("TEST_GATE_DSN not set, skipping Postgres session tests")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	_, _ = s.pool.Exec(ctx, `DELETE FROM gate_sessions`)
	exerciseStore(t, s)
}

func TestMemoryStore_CopiesInAndOut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := &Session{ID: "s", ExpiresAt: time.Now().Add(time.Hour), History: []Turn{{Text: "a"}}}
	require.NoError(t, s.Remember(ctx, sess))
	sess.History[0].Text = "mutated"

	got, _ := s.Recall(ctx, "s")
	assert.Equal(t, "a", got.History[0].Text)
}

func TestManager_RecordAndRecall(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.SetClock(func() time.Time { return now })
	m := NewManager(store, 0, 0)
	m.SetClock(func() time.Time { return now })

	s, err := m.Record(ctx, nil, Update{SessionID: "s1", PrincipalID: "DR_0001", SubjectID: "PT_0001", Action: "access", Summary: "fetched"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultTTL), s.ExpiresAt)

	got, err := m.Recall(ctx, "s1", "DR_0001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PT_0001", got.LastSubjectID)

	other, err := m.Recall(ctx, "s1", "DR_0003")
	require.NoError(t, err)
	assert.Nil(t, other, "another principal must not see the session")

	hijack, err := m.Record(ctx, nil, Update{SessionID: "s1", PrincipalID: "DR_0003"})
	require.NoError(t, err)
	assert.NotEqual(t, "s1", hijack.ID, "an occupied session id is not reused by another principal")

	next, err := m.Record(ctx, got, Update{SessionID: "s1", PrincipalID: "DR_0001", Action: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "PT_0001", next.LastSubjectID, "subject carries over when not given")
	assert.Equal(t, "summarize", next.LastAction)
	assert.Equal(t, got.CreatedAt, next.CreatedAt)

	now = now.Add(DefaultTTL)
	gone, err := m.Recall(ctx, "s1", "DR_0001")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestManager_HistoryTrimmed(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), time.Hour, 5)

	var s *Session
	for i := 0; i < 8; i++ {
		var err error
		s, err = m.Record(ctx, s, Update{SessionID: "s", PrincipalID: "DR_0001", Turn: Turn{RequestID: fmt.Sprintf("r%d", i)}})
		require.NoError(t, err)
	}
	require.Len(t, s.History, 5)
	assert.Equal(t, "r3", s.History[0].RequestID)
	assert.Equal(t, "r7", s.History[4].RequestID)
}

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewManager(NewMemoryStore(), time.Minute, 0)
	m.SetClock(func() time.Time { return now })

	_, err := m.Record(ctx, nil, Update{SessionID: "a", PrincipalID: "DR_0001"})
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = m.Record(ctx, nil, Update{SessionID: "b", PrincipalID: "DR_0001"})
	require.NoError(t, err)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Active)
}
