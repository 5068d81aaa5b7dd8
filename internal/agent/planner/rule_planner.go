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
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"record-gate/internal/capability"
	"record-gate/internal/plan"
)

var (
	patientRe   = regexp.MustCompile(`\bPT_\d{4}\b`)
	clinicianRe = regexp.MustCompile(`\bDR_\d{4}\b`)
	addNoteRe   = regexp.MustCompile(`\b(add|write|record)\b.*\bnote\b`)
	pronounRe   = regexp.MustCompile(`(?i)\b(that patient|same patient|this patient|the patient|them|her|him)\b`)
)

// Intent 请求意图
type Intent string

const (
	IntentAccess    Intent = "access"
	IntentSummarize Intent = "summarize"
	IntentRender    Intent = "render"
	IntentAppend    Intent = "append"
	IntentToken     Intent = "token"
)

// 按优先级匹配的意图关键字
var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentToken, []string{"token"}},
	{IntentAppend, []string{"append", "amend"}},
	{IntentSummarize, []string{"summar", "overview", "brief"}},
	{IntentRender, []string{"render", "report", "pdf", "print", "export"}},
	{IntentAccess, []string{"access", "fetch", "retrieve", "show", "view", "open", "record", "get"}},
}

// DetectIntent 关键字意图识别；未识别返回空
func DetectIntent(text string) Intent {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "token") && addNoteRe.MatchString(lower) {
		return IntentAppend
	}
	for _, ik := range intentKeywords {
		for _, kw := range ik.keywords {
			if strings.Contains(lower, kw) {
				return ik.intent
			}
		}
	}
	return ""
}

// RulePlanner 确定性规划器：ID 抽取 + 指代消解 + 关键字意图
type RulePlanner struct{}

// NewRulePlanner 创建规则规划器
func NewRulePlanner() *RulePlanner {
	return &RulePlanner{}
}

// Plan 实现 Planner
func (p *RulePlanner) Plan(ctx context.Context, req plan.Request, catalog []capability.Descriptor, sc SessionContext) (*plan.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Failure{Reason: "cancelled", Err: err}
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, failf("empty request")
	}
	principal := req.PrincipalID
	if principal == "" {
		principal = sc.PrincipalID
	}

	// 冒号之后是自由文本（病程记录内容），不参与意图与 ID 识别
	head, _, _ := strings.Cut(text, ":")
	intent := DetectIntent(head)
	if intent == "" {
		return nil, failf("could not determine what to do with %q", text)
	}

	clinician, err := resolveClinician(head, principal)
	if err != nil {
		return nil, err
	}

	var patient string
	if intent != IntentToken {
		if patient, err = resolvePatient(head, sc.LastSubjectID); err != nil {
			return nil, err
		}
	}

	steps, err := stepsFor(intent, text, head, clinician, patient)
	if err != nil {
		return nil, err
	}
	out := &plan.Plan{
		ID:          "plan-" + uuid.New().String(),
		RequestID:   req.ID,
		PrincipalID: principal,
		SubjectID:   patient,
		Steps:       steps,
	}
	out.Reindex()
	if err := checkCatalog(out, catalog); err != nil {
		return nil, err
	}
	return out, nil
}

func uniqueMatches(re *regexp.Regexp, text string) []string {
	found := re.FindAllString(text, -1)
	slices.Sort(found)
	return slices.Compact(found)
}

func resolveClinician(text, principal string) (string, error) {
	ids := uniqueMatches(clinicianRe, text)
	switch {
	case len(ids) > 1:
		return "", failf("ambiguous clinician: %s", strings.Join(ids, ", "))
	case len(ids) == 1:
		return ids[0], nil
	case principal != "":
		return principal, nil
	default:
		return "", failf("no clinician identified")
	}
}

func resolvePatient(text, lastSubject string) (string, error) {
	ids := uniqueMatches(patientRe, text)
	if len(ids) > 1 {
		return "", failf("ambiguous patient: %s", strings.Join(ids, ", "))
	}
	if len(ids) == 1 {
		return ids[0], nil
	}
	if pronounRe.MatchString(text) {
		if lastSubject == "" {
			return "", failf("request refers to a previous patient but the session has none")
		}
		return lastSubject, nil
	}
	return "", failf("no patient identified")
}

func stepsFor(intent Intent, text, head, clinician, patient string) ([]plan.Step, error) {
	verify := plan.Step{Capability: "verify_credentials", Args: map[string]any{"clinician_id": clinician}}
	consent := plan.Step{Capability: "check_consent", Args: map[string]any{"patient_id": patient, "clinician_id": clinician}}
	logAccess := func(action string) plan.Step {
		return plan.Step{Capability: "log_access", Args: map[string]any{"clinician_id": clinician, "patient_id": patient, "action": action}}
	}

	switch intent {
	case IntentToken:
		return []plan.Step{verify, {Capability: "issue_token", Args: map[string]any{"clinician_id": clinician}}}, nil
	case IntentAppend:
		note, err := noteText(text)
		if err != nil {
			return nil, err
		}
		return []plan.Step{verify, consent, logAccess("append_record"), {
			Capability: "append_record",
			Args:       map[string]any{"patient_id": patient, "clinician_id": clinician, "note": note, "note_type": noteType(head)},
		}}, nil
	case IntentSummarize:
		return []plan.Step{verify, consent, {
			Capability: "summarize",
			Args:       map[string]any{"patient_id": patient, "summary_type": summaryType(head)},
		}, logAccess("summarize")}, nil
	case IntentRender:
		format := "text"
		if strings.Contains(strings.ToLower(head), "pdf") {
			format = "pdf"
		}
		return []plan.Step{verify, consent, {
			Capability: "render",
			Args:       map[string]any{"patient_id": patient, "format": format},
		}, logAccess("render")}, nil
	default:
		return []plan.Step{verify, consent, {
			Capability: "fetch_record",
			Args:       map[string]any{"patient_id": patient},
		}, logAccess("fetch_record")}, nil
	}
}

// noteText 取冒号之后的文本作为病程记录
func noteText(text string) (string, error) {
	_, after, ok := strings.Cut(text, ":")
	note := strings.TrimSpace(after)
	if !ok || note == "" {
		return "", failf("note text is empty; use \"add note for PT_xxxx: <text>\"")
	}
	return note, nil
}

func noteType(text string) string {
	lower := strings.ToLower(text)
	for _, t := range []string{"progress", "consultation", "procedure", "discharge"} {
		if strings.Contains(lower, t) {
			return t
		}
	}
	return "general"
}

func summaryType(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "vital"):
		return "vitals_only"
	case strings.Contains(lower, "history"):
		return "history_only"
	case strings.Contains(lower, "note"), strings.Contains(lower, "recent"):
		return "recent_notes"
	default:
		return "comprehensive"
	}
}
