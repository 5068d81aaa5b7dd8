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

package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"record-gate/internal/capability"
	"record-gate/internal/capability/builtin"
	"record-gate/internal/clinical"
	"record-gate/internal/plan"
	"record-gate/internal/policy"
	"record-gate/internal/runtime/auditlog"
	"record-gate/pkg/config"
	gateerrors "record-gate/pkg/errors"
)

type harness struct {
	exec   *Executor
	audit  *auditlog.MemoryLog
	source *policy.Source
	sleeps []time.Duration
	mu     sync.Mutex
}

func newHarness(t *testing.T, reasoner policy.Reasoner, extra ...capability.Capability) *harness {
	t.Helper()
	now := time.Now()
	audit := auditlog.NewMemoryLog()
	reg := capability.NewRegistry()
	require.NoError(t, builtin.Register(reg, builtin.Deps{
		Directory: clinical.NewSeededDirectory(now),
		Audit:     audit,
		Now:       func() time.Time { return now },
	}))
	reg.MustRegister(extra...)
	reg.Seal()

	h := &harness{audit: audit, source: policy.NewSource(policy.Default())}
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxRetries: 2, Backoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}
	h.exec = New(reg, policy.NewValidator(reg, reasoner), h.source, audit, cfg)
	h.exec.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) records(t *testing.T, runID string) []auditlog.Record {
	t.Helper()
	recs, err := auditlog.Collect(context.Background(), h.audit, auditlog.Filter{RunID: runID})
	require.NoError(t, err)
	return recs
}

func kinds(recs []auditlog.Record, kind auditlog.Kind) []auditlog.Record {
	var out []auditlog.Record
	for _, r := range recs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func events(recs []auditlog.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.Kind != auditlog.KindAccess {
			out = append(out, r.Event)
		}
	}
	return out
}

func newPlan(principal, subject string, steps ...plan.Step) *plan.Plan {
	p := &plan.Plan{ID: "plan-1", RequestID: "req-1", PrincipalID: principal, SubjectID: subject, Steps: steps}
	p.Reindex()
	return p
}

func verifyStep(dr string) plan.Step {
	return plan.Step{Capability: builtin.VerifyCredentials, Args: map[string]any{"clinician_id": dr}}
}

func consentStep(pt, dr string) plan.Step {
	return plan.Step{Capability: builtin.CheckConsent, Args: map[string]any{"patient_id": pt, "clinician_id": dr}}
}

func fetchStep(pt string) plan.Step {
	return plan.Step{Capability: builtin.FetchRecord, Args: map[string]any{"patient_id": pt}}
}

func logStep(pt, dr, action string) plan.Step {
	return plan.Step{Capability: builtin.LogAccess, Args: map[string]any{"patient_id": pt, "clinician_id": dr, "action": action}}
}

func accessPlan(dr, pt string) *plan.Plan {
	return newPlan(dr, pt, verifyStep(dr), consentStep(pt, dr), fetchStep(pt), logStep(pt, dr, builtin.FetchRecord))
}

func labsCap(name string, retryable bool, effect capability.SideEffect, fn func(ctx context.Context, args map[string]any) (capability.Result, error)) capability.Capability {
	return &capability.Func{
		Desc: capability.Descriptor{
			Name:       name,
			SideEffect: effect,
			Retryable:  retryable,
			Schema: capability.Schema{
				Type:       "object",
				Properties: map[string]capability.SchemaProperty{"patient_id": {Type: "string", Pattern: `^PT_\d{4}$`}},
				Required:   []string{"patient_id"},
			},
		},
		Fn: fn,
	}
}

type reasonerFunc func(ctx context.Context, q policy.Query, rules *policy.RuleSet) (plan.Verdict, error)

func (f reasonerFunc) Reason(ctx context.Context, q policy.Query, rules *policy.RuleSet) (plan.Verdict, error) {
	return f(ctx, q, rules)
}

func TestRun_Completed(t *testing.T) {
	h := newHarness(t, nil)
	o := h.exec.Run(context.Background(), accessPlan("DR_0001", "PT_0001"), WithSessionID("sess-1"))

	require.Equal(t, StateCompleted, o.State, o.Reason)
	assert.NoError(t, o.Err())
	assert.Equal(t, gateerrors.CodeNone, o.Code)
	assert.Equal(t, 4, o.StepRecords)
	require.Len(t, o.Results, 4)
	patient, _ := o.Results[2].Result["patient"].(map[string]any)
	assert.Equal(t, "John Smith", patient["full_name"])
	assert.Empty(t, o.Corrections)

	recs := h.records(t, o.RunID)
	assert.Equal(t, []string{
		auditlog.EventPlanSubmitted, auditlog.EventPlanApproved,
		auditlog.EventStepExecuted, auditlog.EventStepExecuted, auditlog.EventStepExecuted, auditlog.EventStepExecuted,
		auditlog.EventRunCompleted,
	}, events(recs))
	assert.Len(t, kinds(recs, auditlog.KindOutcome), 1)
	for i, r := range kinds(recs, auditlog.KindStep) {
		assert.Equal(t, i+1, r.StepIndex)
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, "sess-1", r.SessionID)
		assert.Equal(t, auditlog.OutcomeSucceeded, r.Outcome)
	}

	// log_access 的记录关联到同一运行
	access := kinds(recs, auditlog.KindAccess)
	require.Len(t, access, 1)
	assert.Equal(t, 4, access[0].StepIndex)

	report, err := auditlog.Verify(context.Background(), h.audit)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestRun_CorrectsMissingConsent(t *testing.T) {
	h := newHarness(t, nil)
	p := newPlan("DR_0001", "PT_0001", verifyStep("DR_0001"), fetchStep("PT_0001"), logStep("PT_0001", "DR_0001", builtin.FetchRecord))

	o := h.exec.Run(context.Background(), p)
	require.Equal(t, StateCompleted, o.State, o.Reason)
	require.Len(t, o.Corrections, 1)
	assert.Equal(t, "consent.before_data", o.Corrections[0].RuleID)
	assert.Equal(t, []string{builtin.VerifyCredentials, builtin.CheckConsent, builtin.FetchRecord, builtin.LogAccess}, o.Plan.Capabilities())
	assert.Equal(t, "plan-1", o.Plan.ID)
	assert.Equal(t, 4, o.StepRecords)

	recs := h.records(t, o.RunID)
	corrected := 0
	for _, r := range recs {
		if r.Event == auditlog.EventPlanCorrected {
			corrected++
			require.NotNil(t, r.Verdict)
			assert.Equal(t, plan.Correct, r.Verdict.Decision)
			assert.Contains(t, r.Detail, "check_consent")
		}
	}
	assert.Equal(t, 1, corrected)
}

func TestRun_ConsentDeniedStopsAtStepTwo(t *testing.T) {
	h := newHarness(t, nil)
	o := h.exec.Run(context.Background(), accessPlan("DR_0001", "PT_0002"))

	require.Equal(t, StateAborted, o.State)
	assert.Equal(t, gateerrors.CodePolicyBlock, o.Code)
	assert.Equal(t, 2, o.StepIndex)
	assert.Equal(t, "consent.denied", o.RuleID)
	assert.Equal(t, 2, o.StepRecords)
	assert.True(t, errors.Is(o.Err(), gateerrors.ErrPolicyBlock))

	steps := kinds(h.records(t, o.RunID), auditlog.KindStep)
	require.Len(t, steps, 2)
	assert.Equal(t, auditlog.OutcomeBlocked, steps[1].Outcome)
	require.NotNil(t, steps[1].PostVerdict)
	assert.Equal(t, plan.Block, steps[1].PostVerdict.Decision)
	assert.Empty(t, kinds(h.records(t, o.RunID), auditlog.KindAccess), "fetch must never run")
}

func TestRun_ConsentForOtherPatientDoesNotCoverFetch(t *testing.T) {
	h := newHarness(t, nil)
	p := newPlan("DR_0001", "PT_0001",
		verifyStep("DR_0001"),
		consentStep("PT_0001", "DR_0001"),
		fetchStep("PT_0002"),
		logStep("PT_0002", "DR_0001", builtin.FetchRecord),
	)

	o := h.exec.Run(context.Background(), p)
	require.Equal(t, StateAborted, o.State, o.Reason)
	assert.Equal(t, gateerrors.CodePolicyBlock, o.Code)
	assert.Equal(t, "consent.denied", o.RuleID)
	require.Len(t, o.Corrections, 1)
	assert.Equal(t, "consent.before_data", o.Corrections[0].RuleID)
	assert.Equal(t, []string{builtin.VerifyCredentials, builtin.CheckConsent, builtin.CheckConsent, builtin.FetchRecord, builtin.LogAccess}, o.Plan.Capabilities())
	assert.Equal(t, "PT_0002", o.Plan.Steps[2].Args["patient_id"])
	assert.Equal(t, 3, o.StepIndex)
	assert.Equal(t, 3, o.StepRecords)
	assert.Empty(t, kinds(h.records(t, o.RunID), auditlog.KindAccess), "PT_0002 record must never be fetched")
}

func TestRun_ImpersonationBlocked(t *testing.T) {
	h := newHarness(t, nil)
	p := accessPlan("DR_0003", "PT_0001")
	p.PrincipalID = "DR_0001"
	o := h.exec.Run(context.Background(), p)

	require.Equal(t, StateAborted, o.State)
	assert.Equal(t, gateerrors.CodePolicyBlock, o.Code)
	assert.Equal(t, "scope.grant", o.RuleID)
	assert.Equal(t, 0, o.StepIndex)
	assert.Equal(t, 0, o.StepRecords)
	assert.Equal(t, []string{auditlog.EventPlanSubmitted, auditlog.EventPlanBlocked, auditlog.EventRunAborted}, events(h.records(t, o.RunID)))
}

func TestRun_UncorrectableAfterLimit(t *testing.T) {
	var calls atomic.Int32
	loop := reasonerFunc(func(ctx context.Context, q policy.Query, rules *policy.RuleSet) (plan.Verdict, error) {
		if q.Step != nil {
			return plan.Approved(plan.StageResult), nil
		}
		calls.Add(1)
		next := q.Plan.Clone()
		next.Steps = append([]plan.Step{verifyStep("DR_0001")}, next.Steps...)
		return plan.Corrected(next, "test.loop", []string{"prepended verify_credentials"}), nil
	})
	h := newHarness(t, loop)

	o := h.exec.Run(context.Background(), accessPlan("DR_0001", "PT_0001"))
	require.Equal(t, StateAborted, o.State)
	assert.Equal(t, gateerrors.CodeUncorrectable, o.Code)
	assert.Equal(t, "uncorrectable after 2 attempts", o.Reason)
	assert.Len(t, o.Corrections, 2)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, o.StepRecords)

	// 记录中的 CORRECT 不超过上限，随后为 BLOCK
	var decisions []plan.Decision
	for _, r := range kinds(h.records(t, o.RunID), auditlog.KindPlan) {
		if r.Verdict != nil {
			decisions = append(decisions, r.Verdict.Decision)
		}
	}
	assert.Equal(t, []plan.Decision{plan.Correct, plan.Correct, plan.Block}, decisions)
}

func TestRun_RuleSetCorrectionLimit(t *testing.T) {
	loop := reasonerFunc(func(ctx context.Context, q policy.Query, rules *policy.RuleSet) (plan.Verdict, error) {
		if q.Step != nil {
			return plan.Approved(plan.StageResult), nil
		}
		return plan.Corrected(q.Plan.Clone(), "test.loop", nil), nil
	})
	h := newHarness(t, loop)
	rs := policy.Default()
	rs.MaxCorrections = 1
	require.NoError(t, h.source.Store(rs))

	o := h.exec.Run(context.Background(), accessPlan("DR_0001", "PT_0001"))
	assert.Equal(t, gateerrors.CodeUncorrectable, o.Code)
	assert.Equal(t, "uncorrectable after 1 attempts", o.Reason)
	assert.Len(t, o.Corrections, 1)
}

func TestRun_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	labs := labsCap("lookup_labs", true, capability.ReadOnly, func(ctx context.Context, args map[string]any) (capability.Result, error) {
		if calls.Add(1) < 3 {
			return nil, capability.Fail("lookup_labs", capability.FailureUnavailable, errors.New("lab system busy"))
		}
		return capability.Result{"a1c": 5.6}, nil
	})
	h := newHarness(t, nil, labs)
	p := newPlan("DR_0001", "PT_0001", verifyStep("DR_0001"), plan.Step{Capability: "lookup_labs", Args: map[string]any{"patient_id": "PT_0001"}})

	o := h.exec.Run(context.Background(), p)
	require.Equal(t, StateCompleted, o.State, o.Reason)
	assert.Equal(t, 2, o.StepRecords)
	assert.Equal(t, 3, o.Results[1].Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.sleeps)

	steps := kinds(h.records(t, o.RunID), auditlog.KindStep)
	require.Len(t, steps, 2)
	assert.Equal(t, 3, steps[1].Attempts)
}

func TestRun_RetryExhausted(t *testing.T) {
	labs := labsCap("lookup_labs", true, capability.ReadOnly, func(ctx context.Context, args map[string]any) (capability.Result, error) {
		return nil, capability.Fail("lookup_labs", capability.FailureUnavailable, errors.New("down"))
	})
	h := newHarness(t, nil, labs)
	p := newPlan("DR_0001", "PT_0001", verifyStep("DR_0001"), plan.Step{Capability: "lookup_labs", Args: map[string]any{"patient_id": "PT_0001"}})

	o := h.exec.Run(context.Background(), p)
	require.Equal(t, StateFailed, o.State)
	assert.Equal(t, gateerrors.CodeExecutionFailed, o.Code)
	assert.Equal(t, 2, o.StepIndex)
	assert.Equal(t, 3, o.Results[1].Attempts)
	assert.Contains(t, o.Reason, "down")

	steps := kinds(h.records(t, o.RunID), auditlog.KindStep)
	require.Len(t, steps, 2)
	assert.Equal(t, auditlog.OutcomeFailed, steps[1].Outcome)
	assert.Equal(t, string(gateerrors.CodeExecutionFailed), steps[1].Code)
}

func TestRun_NonRetryableFailure(t *testing.T) {
	var calls atomic.Int32
	write := labsCap("write_labs", false, capability.ReadOnly, func(ctx context.Context, args map[string]any) (capability.Result, error) {
		calls.Add(1)
		return nil, capability.Fail("write_labs", capability.FailureUnavailable, errors.New("down"))
	})
	h := newHarness(t, nil, write)
	p := newPlan("DR_0001", "PT_0001", verifyStep("DR_0001"), plan.Step{Capability: "write_labs", Args: map[string]any{"patient_id": "PT_0001"}})

	o := h.exec.Run(context.Background(), p)
	assert.Equal(t, StateFailed, o.State)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, h.sleeps)
}

func TestRun_StepTimeout(t *testing.T) {
	stuck := labsCap("lookup_labs", true, capability.ReadOnly, func(ctx context.Context, args map[string]any) (capability.Result, error) {
		time.Sleep(time.Second)
		return capability.Result{}, nil
	})
	h := newHarness(t, nil, stuck)
	h.exec.cfg.StepTimeout = 20 * time.Millisecond
	h.exec.cfg.Retry.MaxRetries = 1
	p := newPlan("DR_0001", "PT_0001", verifyStep("DR_0001"), plan.Step{Capability: "lookup_labs", Args: map[string]any{"patient_id": "PT_0001"}})

	start := time.Now()
	o := h.exec.Run(context.Background(), p)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	require.Equal(t, StateFailed, o.State)
	assert.Equal(t, 2, o.Results[1].Attempts)
	assert.Contains(t, o.Reason, "timeout")
}

func TestRun_CancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	labs := labsCap("lookup_labs", true, capability.ReadOnly, func(c context.Context, args map[string]any) (capability.Result, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	})
	h := newHarness(t, nil, labs)
	labsStep := plan.Step{Capability: "lookup_labs", Args: map[string]any{"patient_id": "PT_0001"}}
	p := newPlan("DR_0001", "PT_0001", verifyStep("DR_0001"), labsStep, labsStep)

	o := h.exec.Run(ctx, p)
	require.Equal(t, StateAborted, o.State)
	assert.Equal(t, gateerrors.CodeCancelled, o.Code)
	assert.Equal(t, 2, o.StepIndex)
	assert.True(t, errors.Is(o.Err(), gateerrors.ErrCancelled))

	recs := h.records(t, o.RunID)
	assert.Len(t, kinds(recs, auditlog.KindStep), 2)
	outcome := kinds(recs, auditlog.KindOutcome)
	require.Len(t, outcome, 1)
	assert.Equal(t, string(StateAborted), outcome[0].Outcome)
}

func TestRun_AuditFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.audit.SetFailure(func(r auditlog.Record) error {
		if r.Kind == auditlog.KindStep {
			return auditlog.ErrUnavailable
		}
		return nil
	})

	o := h.exec.Run(context.Background(), accessPlan("DR_0001", "PT_0001"))
	require.Equal(t, StateFailed, o.State)
	assert.Equal(t, gateerrors.CodeAuditWriteFailed, o.Code)
	assert.Equal(t, 1, o.StepIndex)
	assert.Equal(t, 0, o.StepRecords)
	assert.Empty(t, o.Results)

	outcome := kinds(h.records(t, o.RunID), auditlog.KindOutcome)
	require.Len(t, outcome, 1)
	assert.Equal(t, string(gateerrors.CodeAuditWriteFailed), outcome[0].Code)
}

func TestRun_PolicyUnavailable(t *testing.T) {
	var calls atomic.Int32
	down := reasonerFunc(func(ctx context.Context, q policy.Query, rules *policy.RuleSet) (plan.Verdict, error) {
		calls.Add(1)
		return plan.Verdict{}, errors.New("reasoner offline")
	})
	h := newHarness(t, down)

	o := h.exec.Run(context.Background(), accessPlan("DR_0001", "PT_0001"))
	require.Equal(t, StateFailed, o.State)
	assert.Equal(t, gateerrors.CodePolicyUnavailable, o.Code)
	assert.Equal(t, int32(DefaultConfig().ReasonerRetries+1), calls.Load())
	assert.Equal(t, 0, o.StepRecords)
}

func TestRun_RuleSetSnapshotPerRun(t *testing.T) {
	var h *harness
	swap := labsCap("lookup_labs", false, capability.ReadOnly, func(ctx context.Context, args map[string]any) (capability.Result, error) {
		_ = h.source.Store(policy.BlockAll("maintenance"))
		return capability.Result{"ok": true}, nil
	})
	h = newHarness(t, nil, swap)
	p := newPlan("DR_0001", "PT_0001", verifyStep("DR_0001"), plan.Step{Capability: "lookup_labs", Args: map[string]any{"patient_id": "PT_0001"}})

	o := h.exec.Run(context.Background(), p)
	assert.Equal(t, StateCompleted, o.State, o.Reason)

	next := h.exec.Run(context.Background(), accessPlan("DR_0001", "PT_0001"))
	assert.Equal(t, StateAborted, next.State)
	assert.Equal(t, policy.RuleSetInvalidID, next.RuleID)
}

func TestRun_ConcurrentRunsIsolated(t *testing.T) {
	h := newHarness(t, nil)
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.exec.Run(context.Background(), accessPlan("DR_0001", "PT_0001"))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, o := range outcomes {
		require.Equal(t, StateCompleted, o.State, o.Reason)
		assert.False(t, seen[o.RunID])
		seen[o.RunID] = true
		assert.Len(t, kinds(h.records(t, o.RunID), auditlog.KindStep), 4)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 350*time.Millisecond, p.Delay(3))
	assert.Equal(t, 350*time.Millisecond, p.Delay(10))
	assert.Zero(t, RetryPolicy{}.Delay(3))
}

func TestConfigFrom(t *testing.T) {
	off := false
	cfg := ConfigFrom(config.ExecutorConfig{
		StepTimeout: "3s", MaxRetries: 4, Backoff: "50ms", MaxBackoff: "bogus", PostValidate: &off,
	}, config.PolicyConfig{MaxCorrections: 5})
	assert.Equal(t, 3*time.Second, cfg.StepTimeout)
	assert.Equal(t, 15*time.Second, cfg.ReasonerTimeout)
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxBackoff)
	assert.Equal(t, 5, cfg.MaxCorrections)
	assert.False(t, cfg.PostValidate)

	def := ConfigFrom(config.ExecutorConfig{}, config.PolicyConfig{})
	assert.Equal(t, 2, def.MaxCorrections)
	assert.True(t, def.PostValidate)
}
