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

package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"record-gate/internal/agent/executor"
	"record-gate/internal/agent/planner"
	"record-gate/internal/capability"
	"record-gate/internal/capability/builtin"
	"record-gate/internal/clinical"
	"record-gate/internal/plan"
	"record-gate/internal/policy"
	"record-gate/internal/runtime/auditlog"
	"record-gate/internal/runtime/session"
	gateerrors "record-gate/pkg/errors"
)

type fixture struct {
	orch     *Orchestrator
	audit    *auditlog.MemoryLog
	sessions *session.Manager
}

func newFixture(t *testing.T, p planner.Planner) *fixture {
	t.Helper()
	now := time.Now()
	audit := auditlog.NewMemoryLog()
	reg := capability.NewRegistry()
	require.NoError(t, builtin.Register(reg, builtin.Deps{
		Directory: clinical.NewSeededDirectory(now),
		Audit:     audit,
		Now:       func() time.Time { return now },
	}))
	reg.Seal()

	exec := executor.New(reg, policy.NewValidator(reg, nil), policy.NewSource(policy.Default()), audit, executor.DefaultConfig())
	sessions := session.NewManager(session.NewMemoryStore(), time.Hour, 5)
	if p == nil {
		p = planner.NewRulePlanner()
	}
	return &fixture{orch: New(p, exec, reg, sessions, audit), audit: audit, sessions: sessions}
}

func (f *fixture) records(t *testing.T, filter auditlog.Filter) []auditlog.Record {
	t.Helper()
	recs, err := auditlog.Collect(context.Background(), f.audit, filter)
	require.NoError(t, err)
	return recs
}

func TestHandle_AccessCompleted(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.orch.Handle(context.Background(), plan.Request{PrincipalID: "DR_0001", Text: "access patient PT_0001"})
	require.NoError(t, err)

	require.Equal(t, executor.StateCompleted, resp.State, resp.Reason)
	assert.NoError(t, resp.Err())
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.RunID)
	assert.Len(t, resp.Results, 4)

	steps := f.records(t, auditlog.Filter{RunID: resp.RunID, Kinds: []auditlog.Kind{auditlog.KindStep}})
	assert.Len(t, steps, 4)
	req := f.records(t, auditlog.Filter{RequestID: resp.RequestID, Kinds: []auditlog.Kind{auditlog.KindRequest}})
	require.Len(t, req, 1)
	assert.Equal(t, auditlog.EventRequestReceived, req[0].Event)

	sess, err := f.sessions.Recall(context.Background(), resp.SessionID, "DR_0001")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "PT_0001", sess.LastSubjectID)
	assert.Equal(t, builtin.FetchRecord, sess.LastAction)
	assert.Contains(t, sess.Summary, "COMPLETED")
}

func TestHandle_FollowUpUsesSessionSubject(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.orch.Handle(context.Background(), plan.Request{PrincipalID: "DR_0001", Text: "access patient PT_0001"})
	require.NoError(t, err)

	second, err := f.orch.Handle(context.Background(), plan.Request{SessionID: first.SessionID, PrincipalID: "DR_0001", Text: "summarize that patient"})
	require.NoError(t, err)
	require.Equal(t, executor.StateCompleted, second.State, second.Reason)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "PT_0001", second.Plan.SubjectID)

	// 其他调用者不能借用该会话
	other, err := f.orch.Handle(context.Background(), plan.Request{SessionID: first.SessionID, PrincipalID: "DR_0003", Text: "summarize that patient"})
	require.NoError(t, err)
	assert.Equal(t, gateerrors.CodePlanningFailed, other.Code)
}

func TestHandle_ConsentDenied(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.orch.Handle(context.Background(), plan.Request{PrincipalID: "DR_0001", Text: "access patient PT_0002"})
	require.NoError(t, err)

	assert.Equal(t, executor.StateAborted, resp.State)
	assert.Equal(t, gateerrors.CodePolicyBlock, resp.Code)
	assert.Equal(t, 2, resp.StepIndex)
	assert.Equal(t, "consent.denied", resp.RuleID)
	assert.True(t, errors.Is(resp.Err(), gateerrors.ErrPolicyBlock))
	assert.Len(t, f.records(t, auditlog.Filter{RunID: resp.RunID, Kinds: []auditlog.Kind{auditlog.KindStep}}), 2)

	sess, err := f.sessions.Recall(context.Background(), resp.SessionID, "DR_0001")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, string(gateerrors.CodePolicyBlock), sess.History[0].Code)
}

func TestHandle_PlannerOmitsConsent(t *testing.T) {
	sloppy := planner.Func(func(ctx context.Context, req plan.Request, catalog []capability.Descriptor, sc planner.SessionContext) (*plan.Plan, error) {
		p := &plan.Plan{ID: "plan-x", RequestID: req.ID, PrincipalID: req.PrincipalID, SubjectID: "PT_0001", Steps: []plan.Step{
			{Capability: builtin.VerifyCredentials, Args: map[string]any{"clinician_id": req.PrincipalID}},
			{Capability: builtin.FetchRecord, Args: map[string]any{"patient_id": "PT_0001"}},
			{Capability: builtin.LogAccess, Args: map[string]any{"patient_id": "PT_0001", "clinician_id": req.PrincipalID, "action": builtin.FetchRecord}},
		}}
		p.Reindex()
		return p, nil
	})
	f := newFixture(t, sloppy)

	resp, err := f.orch.Handle(context.Background(), plan.Request{PrincipalID: "DR_0001", Text: "get PT_0001"})
	require.NoError(t, err)
	require.Equal(t, executor.StateCompleted, resp.State, resp.Reason)
	require.Len(t, resp.Corrections, 1)
	assert.Equal(t, []string{builtin.VerifyCredentials, builtin.CheckConsent, builtin.FetchRecord, builtin.LogAccess}, resp.Plan.Capabilities())
	assert.Len(t, resp.Results, 4)

	var corrected int
	for _, r := range f.records(t, auditlog.Filter{RunID: resp.RunID, Kinds: []auditlog.Kind{auditlog.KindPlan}}) {
		if r.Event == auditlog.EventPlanCorrected {
			corrected++
		}
	}
	assert.Equal(t, 1, corrected)
}

func TestHandle_PlanningFailure(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.orch.Handle(context.Background(), plan.Request{ID: "req-7", PrincipalID: "DR_0001", Text: "what is the weather"})
	require.NoError(t, err)

	assert.Equal(t, gateerrors.CodePlanningFailed, resp.Code)
	assert.Empty(t, resp.RunID)
	assert.True(t, errors.Is(resp.Err(), gateerrors.ErrPlanningFailure))

	recs := f.records(t, auditlog.Filter{RequestID: "req-7"})
	require.Len(t, recs, 1, "request record only")
	assert.Equal(t, auditlog.EventRequestReceived, recs[0].Event)
	assert.Equal(t, "what is the weather", recs[0].Detail)
	assert.Equal(t, string(gateerrors.CodePlanningFailed), recs[0].Code)
	assert.NotEmpty(t, recs[0].Error)
	assert.Equal(t, 1, f.audit.Len(), "nothing executed")
}

func TestHandle_PlannerCannotChangePrincipal(t *testing.T) {
	spoof := planner.Func(func(ctx context.Context, req plan.Request, catalog []capability.Descriptor, sc planner.SessionContext) (*plan.Plan, error) {
		p := &plan.Plan{PrincipalID: "DR_0003", SubjectID: "PT_0001", Steps: []plan.Step{
			{Capability: builtin.VerifyCredentials, Args: map[string]any{"clinician_id": "DR_0003"}},
			{Capability: builtin.IssueToken, Args: map[string]any{"clinician_id": "DR_0003"}},
		}}
		p.Reindex()
		return p, nil
	})
	f := newFixture(t, spoof)

	resp, err := f.orch.Handle(context.Background(), plan.Request{PrincipalID: "DR_0001", Text: "token"})
	require.NoError(t, err)
	assert.Equal(t, executor.StateAborted, resp.State)
	assert.Equal(t, "scope.grant", resp.RuleID)
	assert.Equal(t, "DR_0001", resp.Plan.PrincipalID)
}

func TestHandle_AuditUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.audit.SetUnavailable(true)
	_, err := f.orch.Handle(context.Background(), plan.Request{PrincipalID: "DR_0001", Text: "access patient PT_0001"})
	assert.True(t, errors.Is(err, gateerrors.ErrAuditWrite))

	_, err = f.orch.Handle(context.Background(), plan.Request{Text: "access patient PT_0001"})
	assert.True(t, errors.Is(err, gateerrors.ErrInvalidArg))
}
