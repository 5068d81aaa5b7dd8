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

package planner

import (
	"context"
	"errors"
	"slices"
	"testing"

	"record-gate/internal/capability"
	"record-gate/internal/capability/builtin"
	"record-gate/internal/plan"
	gateerrors "record-gate/pkg/errors"
)

func planFor(t *testing.T, text string, sc SessionContext) (*plan.Plan, error) {
	t.Helper()
	req := plan.Request{ID: "req-1", PrincipalID: "DR_0001", Text: text}
	return NewRulePlanner().Plan(context.Background(), req, builtin.Descriptors(), sc)
}

func TestRulePlanner_Intents(t *testing.T) {
	tests := []struct {
		text string
		caps []string
	}{
		{"access patient PT_0001 for clinician DR_0001", []string{"verify_credentials", "check_consent", "fetch_record", "log_access"}},
		{"summarize PT_0001 vitals", []string{"verify_credentials", "check_consent", "summarize", "log_access"}},
		{"generate a pdf report for PT_0001", []string{"verify_credentials", "check_consent", "render", "log_access"}},
		{"add note for PT_0001: patient stable, continue meds", []string{"verify_credentials", "check_consent", "log_access", "append_record"}},
		{"issue an access token", []string{"verify_credentials", "issue_token"}},
	}
	for _, tt := range tests {
		p, err := planFor(t, tt.text, SessionContext{})
		if err != nil {
			t.Fatalf("%q: %v", tt.text, err)
		}
		if got := p.Capabilities(); !slices.Equal(got, tt.caps) {
			t.Errorf("%q: got %v want %v", tt.text, got, tt.caps)
		}
		if p.Steps[0].Index != 1 || p.RequestID != "req-1" || p.PrincipalID != "DR_0001" {
			t.Errorf("%q: bad plan header %+v", tt.text, p)
		}
	}
}

func TestRulePlanner_AccessScenario(t *testing.T) {
	p, err := planFor(t, "access patient PT_0001 for clinician DR_0001", SessionContext{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if p.SubjectID != "PT_0001" {
		t.Errorf("subject: %s", p.SubjectID)
	}
	consent, _ := p.Step(2)
	if consent.Args["patient_id"] != "PT_0001" || consent.Args["clinician_id"] != "DR_0001" {
		t.Errorf("consent args: %v", consent.Args)
	}
	logStep, _ := p.Step(4)
	if logStep.Args["action"] != "fetch_record" {
		t.Errorf("log action: %v", logStep.Args["action"])
	}
}

func TestRulePlanner_Arguments(t *testing.T) {
	p, err := planFor(t, "add a discharge note for PT_0002: discharged home, token pending", SessionContext{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	appendStep, _ := p.Step(4)
	if appendStep.Args["note"] != "discharged home, token pending" || appendStep.Args["note_type"] != "discharge" {
		t.Errorf("append args: %v", appendStep.Args)
	}

	p, err = planFor(t, "summarize PT_0001 medical history", SessionContext{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if s, _ := p.Step(3); s.Args["summary_type"] != "history_only" {
		t.Errorf("summary type: %v", s.Args)
	}

	p, err = planFor(t, "render record PT_0001", SessionContext{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if s, _ := p.Step(3); s.Args["format"] != "text" {
		t.Errorf("format: %v", s.Args)
	}
}

func TestRulePlanner_PronounResolution(t *testing.T) {
	p, err := planFor(t, "summarize that patient", SessionContext{LastSubjectID: "PT_0003"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if p.SubjectID != "PT_0003" {
		t.Errorf("subject: %s", p.SubjectID)
	}

	_, err = planFor(t, "show me her record", SessionContext{})
	if !errors.Is(err, gateerrors.ErrPlanningFailure) {
		t.Errorf("expected planning failure without session subject, got %v", err)
	}
}

func TestRulePlanner_Failures(t *testing.T) {
	cases := []string{
		"",
		"what is the weather",
		"access PT_0001 and PT_0002",
		"access the record",
		"add note for PT_0001",
		"add note for PT_0001:   ",
		"access PT_0001 as DR_0001 and DR_0002",
		"fetch record PT_12",
	}
	for _, text := range cases {
		p, err := planFor(t, text, SessionContext{})
		if p != nil {
			t.Errorf("%q: expected no plan, got %v", text, p)
		}
		var f *Failure
		if !errors.As(err, &f) || !errors.Is(err, gateerrors.ErrPlanningFailure) {
			t.Errorf("%q: expected *Failure, got %v", text, err)
		}
	}
}

func TestRulePlanner_MissingCapability(t *testing.T) {
	catalog := builtin.Descriptors()
	catalog = slices.DeleteFunc(catalog, func(d capability.Descriptor) bool { return d.Name == "check_consent" })
	req := plan.Request{PrincipalID: "DR_0001", Text: "access PT_0001"}
	_, err := NewRulePlanner().Plan(context.Background(), req, catalog, SessionContext{})
	if !errors.Is(err, gateerrors.ErrPlanningFailure) {
		t.Fatalf("expected planning failure, got %v", err)
	}
}
