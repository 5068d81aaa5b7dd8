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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS gate_sessions (
	id           TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	body         JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS gate_sessions_expires ON gate_sessions (expires_at);
`

// PostgresStore PostgreSQL 会话存储
type PostgresStore struct {
	clock
	pool *pgxpool.Pool
}

// NewPostgresStore 连接并建表
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close 关闭连接池
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Recall(ctx context.Context, id string) (*Session, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM gate_sessions WHERE id = $1 AND expires_at > $2`, id, s.Now()).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return &sess, nil
}

func (s *PostgresStore) Remember(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	body, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO gate_sessions (id, principal_id, body, updated_at, expires_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET principal_id = EXCLUDED.principal_id, body = EXCLUDED.body,
		 updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
		sess.ID, sess.PrincipalID, body, sess.UpdatedAt, sess.ExpiresAt)
	return err
}

func (s *PostgresStore) Forget(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM gate_sessions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gate_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE expires_at <= $1) FROM gate_sessions`, now).Scan(&st.Total, &st.Expired)
	st.Active = st.Total - st.Expired
	return st, err
}
