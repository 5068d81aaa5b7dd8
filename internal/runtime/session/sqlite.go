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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS gate_sessions (
	id           TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	body         TEXT NOT NULL,
	updated_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS gate_sessions_expires ON gate_sessions (expires_at);
`

// SQLiteStore SQLite 会话存储，时间列存微秒时间戳
type SQLiteStore struct {
	clock
	db *sql.DB
}

// NewSQLiteStore 打开（或创建）数据库文件并建表
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Recall(ctx context.Context, id string) (*Session, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM gate_sessions WHERE id = ? AND expires_at > ?`, id, s.Now().UnixMicro()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) Remember(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	body, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gate_sessions (id, principal_id, body, updated_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET principal_id = excluded.principal_id, body = excluded.body,
		 updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		sess.ID, sess.PrincipalID, string(body), sess.UpdatedAt.UnixMicro(), sess.ExpiresAt.UnixMicro())
	return err
}

func (s *SQLiteStore) Forget(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gate_sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gate_sessions WHERE expires_at <= ?`, now.UnixMicro())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) FROM gate_sessions`, now.UnixMicro()).
		Scan(&st.Total, &st.Expired)
	st.Active = st.Total - st.Expired
	return st, err
}
