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

// Package auditlog 只追加的审计日志：每个计划裁决、每个尝试执行的步骤与每次运行终态各一条记录
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"iter"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"record-gate/internal/plan"
)

// Kind 记录类型
type Kind string

const (
	KindRequest Kind = "request"
	KindPlan    Kind = "plan"
	KindStep    Kind = "step"
	KindOutcome Kind = "outcome"
	KindAccess  Kind = "access"
)

// 记录事件名
const (
	EventRequestReceived = "request_received"
	EventPlanSubmitted   = "plan_submitted"
	EventPlanCorrected   = "plan_corrected"
	EventPlanApproved    = "plan_approved"
	EventPlanBlocked     = "plan_blocked"
	EventStepExecuted    = "step_executed"
	EventRunCompleted    = "run_completed"
	EventRunAborted      = "run_aborted"
	EventRunFailed       = "run_failed"
	EventRecordAccessed  = "record_accessed"
	EventAPIAccessed     = "api_accessed"
)

// 步骤结果
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeBlocked   = "blocked"
)

var (
	// ErrUnavailable 审计存储不可写
	ErrUnavailable = errors.New("auditlog: unavailable")
)

// Record 一条不可变审计记录；Kind=step 即一次执行记录，重试折叠进 Attempts
type Record struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	RunID       string `json:"run_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	PrincipalID string `json:"principal_id,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`

	Kind  Kind   `json:"kind"`
	Event string `json:"event"`

	StepIndex  int            `json:"step_index,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`

	Plan        *plan.Plan    `json:"plan,omitempty"`
	Verdict     *plan.Verdict `json:"verdict,omitempty"`
	PostVerdict *plan.Verdict `json:"post_verdict,omitempty"`

	Outcome string `json:"outcome,omitempty"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	PrevHash  string    `json:"prev_hash,omitempty"`
	Hash      string    `json:"hash,omitempty"`
}

// Log 只追加日志；没有更新与删除
type Log interface {
	// Append 持久化后返回带 ID/Seq/Hash 的记录
	Append(ctx context.Context, rec Record) (Record, error)
	// Query 按 Seq 升序惰性返回匹配记录
	Query(ctx context.Context, filter Filter) iter.Seq2[Record, error]
}

// Filter 查询条件；零值字段不参与过滤
type Filter struct {
	From        time.Time // 含
	To          time.Time // 不含
	SubjectID   string
	PrincipalID string
	RunID       string
	RequestID   string
	SessionID   string
	Kinds       []Kind
	Outcome     string
	Limit       int
}

// Match 记录是否满足过滤条件（不含 Limit）
func (f Filter) Match(r Record) bool {
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
		return false
	}
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if f.PrincipalID != "" && r.PrincipalID != f.PrincipalID {
		return false
	}
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.RequestID != "" && r.RequestID != f.RequestID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, r.Kind) {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	return true
}

// prepare 补齐 ID 与时间；时间截断到微秒以便各存储往返后哈希一致
func prepare(rec Record) Record {
	if rec.ID == "" {
		rec.ID = "rec-" + uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	return rec
}

// seal 设置链字段
func seal(rec Record, seq int64, prevHash string) Record {
	rec.Seq = seq
	rec.PrevHash = prevHash
	rec.Hash = computeRecordHash(rec, prevHash)
	return rec
}

// computeRecordHash Hash = SHA256(ID|Seq|Kind|Event|Body|Timestamp|PrevHash)，Body 为去掉链字段后的 JSON
func computeRecordHash(rec Record, prevHash string) string {
	body := rec
	body.PrevHash, body.Hash = "", ""
	b := canonicalJSON(body)

	h := sha256.New()
	h.Write([]byte(rec.ID))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(rec.Seq, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(rec.Kind))
	h.Write([]byte("|"))
	h.Write([]byte(rec.Event))
	h.Write([]byte("|"))
	h.Write(b)
	h.Write([]byte("|"))
	h.Write([]byte(rec.CreatedAt.Format(time.RFC3339Nano)))
	h.Write([]byte("|"))
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON 经 any 往返一次，使结构体字段与 map 键顺序与存储读回后一致
func canonicalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return b
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return b
	}
	return out
}

// VerifyReport 链校验结果
type VerifyReport struct {
	Records  int    `json:"records"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify 按 Seq 顺序重算整条哈希链
func Verify(ctx context.Context, log Log) (VerifyReport, error) {
	report := VerifyReport{Valid: true}
	prev := ""
	var expectSeq int64 = 1
	for rec, err := range log.Query(ctx, Filter{}) {
		if err != nil {
			return report, err
		}
		report.Records++
		switch {
		case rec.Seq != expectSeq:
			report.Valid, report.BrokenAt, report.Reason = false, rec.Seq, "sequence gap"
		case rec.PrevHash != prev:
			report.Valid, report.BrokenAt, report.Reason = false, rec.Seq, "prev_hash mismatch"
		case computeRecordHash(rec, prev) != rec.Hash:
			report.Valid, report.BrokenAt, report.Reason = false, rec.Seq, "hash mismatch"
		}
		if !report.Valid {
			return report, nil
		}
		prev = rec.Hash
		expectSeq++
	}
	return report, nil
}

// Collect 读出全部匹配记录
func Collect(ctx context.Context, log Log, filter Filter) ([]Record, error) {
	var out []Record
	for rec, err := range log.Query(ctx, filter) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
