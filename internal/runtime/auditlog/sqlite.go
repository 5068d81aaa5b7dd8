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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"record-gate/pkg/metrics"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq          INTEGER PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	run_id       TEXT NOT NULL DEFAULT '',
	request_id   TEXT NOT NULL DEFAULT '',
	session_id   TEXT NOT NULL DEFAULT '',
	principal_id TEXT NOT NULL DEFAULT '',
	subject_id   TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	event        TEXT NOT NULL,
	step_index   INTEGER NOT NULL DEFAULT 0,
	outcome      TEXT NOT NULL DEFAULT '',
	code         TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	prev_hash    TEXT NOT NULL DEFAULT '',
	hash         TEXT NOT NULL,
	body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_subject ON audit_records (subject_id, created_at);
CREATE INDEX IF NOT EXISTS audit_records_run ON audit_records (run_id);
`

// SQLiteLog SQLite 实现（纯 Go 驱动），created_at 存微秒时间戳
type SQLiteLog struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteLog 打开（或创建）数据库文件并建表
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: create schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Close 关闭数据库
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

func (s *SQLiteLog) Append(ctx context.Context, rec Record) (Record, error) {
	rec = prepare(rec)
	s.mu.Lock()
	out, err := s.append(ctx, rec)
	s.mu.Unlock()
	if err != nil {
		metrics.AuditAppendErrors.Inc()
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.AuditAppendTotal.WithLabelValues(string(out.Kind)).Inc()
	return out, nil
}

func (s *SQLiteLog) append(ctx context.Context, rec Record) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	var seq int64
	var prev string
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}

	rec = seal(rec, seq+1, prev)
	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_records (seq, id, run_id, request_id, session_id, principal_id, subject_id, kind, event, step_index, outcome, code, created_at, prev_hash, hash, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq, rec.ID, rec.RunID, rec.RequestID, rec.SessionID, rec.PrincipalID, rec.SubjectID,
		string(rec.Kind), rec.Event, rec.StepIndex, rec.Outcome, rec.Code, rec.CreatedAt.UnixMicro(), rec.PrevHash, rec.Hash, string(body))
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *SQLiteLog) Query(ctx context.Context, filter Filter) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		where, args := buildWhere(filter,
			func(int) string { return "?" },
			func(t time.Time) any { return t.UnixMicro() })
		rows, err := s.db.QueryContext(ctx, `SELECT body FROM audit_records`+where, args...)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				yield(Record{}, err)
				return
			}
			var rec Record
			if err := json.Unmarshal([]byte(body), &rec); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, err)
		}
	}
}
