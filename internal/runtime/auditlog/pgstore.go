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
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"record-gate/pkg/metrics"
)

// auditLockKey 追加时串行化哈希链的 advisory lock
const auditLockKey int64 = 0x6761746561756469

const pgSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq          BIGINT PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	run_id       TEXT NOT NULL DEFAULT '',
	request_id   TEXT NOT NULL DEFAULT '',
	session_id   TEXT NOT NULL DEFAULT '',
	principal_id TEXT NOT NULL DEFAULT '',
	subject_id   TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	event        TEXT NOT NULL,
	step_index   INT NOT NULL DEFAULT 0,
	outcome      TEXT NOT NULL DEFAULT '',
	code         TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	prev_hash    TEXT NOT NULL DEFAULT '',
	hash         TEXT NOT NULL,
	body         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_subject ON audit_records (subject_id, created_at);
CREATE INDEX IF NOT EXISTS audit_records_run ON audit_records (run_id);
`

// PostgresLog PostgreSQL 实现：追加在事务内持 advisory lock 计算链
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog 连接并建表
func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
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
		return nil, fmt.Errorf("auditlog: create schema: %w", err)
	}
	return &PostgresLog{pool: pool}, nil
}

// Close 关闭连接池
func (s *PostgresLog) Close() {
	s.pool.Close()
}

func (s *PostgresLog) Append(ctx context.Context, rec Record) (Record, error) {
	rec = prepare(rec)
	out, err := s.append(ctx, rec)
	if err != nil {
		metrics.AuditAppendErrors.Inc()
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.AuditAppendTotal.WithLabelValues(string(out.Kind)).Inc()
	return out, nil
}

func (s *PostgresLog) append(ctx context.Context, rec Record) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
		return Record{}, err
	}
	var seq int64
	var prev string
	err = tx.QueryRow(ctx, `SELECT seq, hash FROM audit_records ORDER BY seq DESC LIMIT 1`).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, err
	}

	rec = seal(rec, seq+1, prev)
	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO audit_records (seq, id, run_id, request_id, session_id, principal_id, subject_id, kind, event, step_index, outcome, code, created_at, prev_hash, hash, body)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.Seq, rec.ID, rec.RunID, rec.RequestID, rec.SessionID, rec.PrincipalID, rec.SubjectID,
		string(rec.Kind), rec.Event, rec.StepIndex, rec.Outcome, rec.Code, rec.CreatedAt, rec.PrevHash, rec.Hash, body)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *PostgresLog) Query(ctx context.Context, filter Filter) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		where, args := buildWhere(filter,
			func(n int) string { return fmt.Sprintf("$%d", n) },
			func(t time.Time) any { return t })
		rows, err := s.pool.Query(ctx, `SELECT body FROM audit_records`+where, args...)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				yield(Record{}, err)
				return
			}
			var rec Record
			if err := json.Unmarshal(body, &rec); err != nil {
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
