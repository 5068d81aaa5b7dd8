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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"record-gate/internal/plan"
)

func sampleRecords(base time.Time) []Record {
	approved := plan.Approved(plan.StagePlan)
	return []Record{
		{RunID: "run-1", PrincipalID: "DR_0001", SubjectID: "PT_0001", Kind: KindPlan, Event: EventPlanApproved, Verdict: &approved, CreatedAt: base},
		{RunID: "run-1", PrincipalID: "DR_0001", SubjectID: "PT_0001", Kind: KindStep, Event: EventStepExecuted, StepIndex: 1,
			Capability: "verify_credentials", Args: map[string]any{"clinician_id": "DR_0001"},
			Result: map[string]any{"verified": true, "clearance_level": 4}, Outcome: OutcomeSucceeded, Attempts: 1, CreatedAt: base.Add(time.Second)},
		{RunID: "run-2", PrincipalID: "DR_0001", SubjectID: "PT_0002", Kind: KindStep, Event: EventStepExecuted, StepIndex: 2,
			Capability: "check_consent", Outcome: OutcomeBlocked, CreatedAt: base.Add(2 * time.Second)},
		{RunID: "run-2", PrincipalID: "DR_0001", SubjectID: "PT_0002", Kind: KindOutcome, Event: EventRunAborted, Outcome: "ABORTED", Code: "policy_block", CreatedAt: base.Add(3 * time.Second)},
	}
}

// exerciseLog 对任一实现执行同一组断言
func exerciseLog(t *testing.T, l Log) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for _, r := range sampleRecords(base) {
		out, err := l.Append(ctx, r)
		require.NoError(t, err)
		require.NotEmpty(t, out.ID)
		require.NotEmpty(t, out.Hash)
	}

	all, err := Collect(ctx, l, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, r := range all {
		assert.Equal(t, int64(i+1), r.Seq)
		if i > 0 {
			assert.Equal(t, all[i-1].Hash, r.PrevHash)
		}
	}

	bySubject, err := Collect(ctx, l, Filter{SubjectID: "PT_0002"})
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)

	steps, err := Collect(ctx, l, Filter{Kinds: []Kind{KindStep}, RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "verify_credentials", steps[0].Capability)
	assert.Equal(t, true, steps[0].Result["verified"])

	window, err := Collect(ctx, l, Filter{From: base.Add(time.Second), To: base.Add(3 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	blocked, err := Collect(ctx, l, Filter{Outcome: OutcomeBlocked})
	require.NoError(t, err)
	assert.Len(t, blocked, 1)

	limited, err := Collect(ctx, l, Filter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	report, err := Verify(ctx, l)
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.Equal(t, 4, report.Records)
}

func TestMemoryLog(t *testing.T) {
	exerciseLog(t, NewMemoryLog())
}

func TestSQLiteLog(t *testing.T) {
	l, err := NewSQLiteLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer l.Close()
	exerciseLog(t, l)
}

func TestPostgresLog(t *testing.T) {
	dsn := os.Getenv("TEST_GATE_DSN")
	if dsn == "" {
		t.Skip("TEST_GATE_DSN not set, skipping Postgres audit log tests")
	}
	ctx := context.Background()
	l, err := NewPostgresLog(ctx, dsn)
	require.NoError(t, err)
	defer l.Close()
	_, _ = l.pool.Exec(ctx, `DELETE FROM audit_records`)
	exerciseLog(t, l)
}

func TestMemoryLog_QueryIsLazy(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	for _, r := range sampleRecords(time.Now()) {
		_, err := l.Append(ctx, r)
		require.NoError(t, err)
	}

	seen := 0
	for _, err := range l.Query(ctx, Filter{}) {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestMemoryLog_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	args := map[string]any{"patient_id": "PT_0001"}
	_, err := l.Append(ctx, Record{Kind: KindStep, Event: EventStepExecuted, Args: args})
	require.NoError(t, err)

	args["patient_id"] = "PT_9999"
	all, _ := Collect(ctx, l, Filter{})
	assert.Equal(t, "PT_0001", all[0].Args["patient_id"])
}

func TestMemoryLog_Unavailable(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	l.SetUnavailable(true)
	_, err := l.Append(ctx, Record{Kind: KindStep})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, l.Len())

	l.SetUnavailable(false)
	_, err = l.Append(ctx, Record{Kind: KindStep})
	assert.NoError(t, err)
	assert.Equal(t, 1, l.Len())
}

func TestVerify_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	for _, r := range sampleRecords(time.Now()) {
		_, err := l.Append(ctx, r)
		require.NoError(t, err)
	}

	l.mu.Lock()
	var rec Record
	require.NoError(t, json.Unmarshal(l.records[1], &rec))
	rec.Outcome = OutcomeFailed
	l.records[1], _ = json.Marshal(rec)
	l.mu.Unlock()

	report, err := Verify(ctx, l)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BrokenAt)
	assert.Equal(t, "hash mismatch", report.Reason)
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestMirror(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryLog()
	pub := &fakePublisher{}
	m := NewMirror(inner, pub, "gate.audit", nil)

	_, err := m.Append(ctx, Record{Kind: KindOutcome, Event: EventRunCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{"gate.audit.outcome"}, pub.subjects)

	pub.err = errors.New("nats down")
	_, err = m.Append(ctx, Record{Kind: KindStep, Event: EventStepExecuted})
	require.NoError(t, err, "publish failure must not fail a durable append")
	assert.Equal(t, 2, inner.Len())

	inner.SetUnavailable(true)
	_, err = m.Append(ctx, Record{Kind: KindStep})
	assert.ErrorIs(t, err, ErrUnavailable)

	all, err := Collect(ctx, m, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
