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

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"record-gate/internal/capability"
	"record-gate/internal/clinical"
	"record-gate/internal/model/llm"
)

// SummaryTypes 摘要类型
var SummaryTypes = []string{"comprehensive", "vitals_only", "history_only", "recent_notes"}

// recentNotes 摘要中保留的最近记录条数
const recentNotes = 3

type summarize struct{ deps Deps }

func (c *summarize) Descriptor() capability.Descriptor { return descriptor(Summarize) }

// Invoke 配置了 LLM 时由模型生成摘要，否则生成确定性摘要
func (c *summarize) Invoke(ctx context.Context, args map[string]any) (capability.Result, error) {
	kind := argString(args, "summary_type")
	if kind == "" {
		kind = "comprehensive"
	}
	rec, err := c.deps.Directory.Record(ctx, argString(args, "patient_id"))
	if err != nil {
		return nil, directoryError(Summarize, err)
	}

	if c.deps.LLM == nil {
		return capability.Result{
			"patient_id":   rec.Patient.ID,
			"summary_type": kind,
			"summary":      Digest(rec, kind),
			"generator":    "digest",
		}, nil
	}

	section, err := summarySection(rec, kind)
	if err != nil {
		return nil, capability.Fail(Summarize, capability.FailureInternal, err)
	}
	text, err := c.deps.LLM.ChatWithContext(ctx, []llm.Message{
		{Role: "system", Content: "You are a clinical documentation assistant. Write a concise, factual summary of the record for a treating clinician. Do not invent facts."},
		{Role: "user", Content: fmt.Sprintf("Summary type: %s\nRecord:\n%s", kind, section)},
	}, llm.GenerateOptions{Temperature: 0.2, MaxTokens: 600})
	if err != nil {
		return nil, capability.Fail(Summarize, capability.FailureUnavailable, err)
	}
	return capability.Result{
		"patient_id":   rec.Patient.ID,
		"summary_type": kind,
		"summary":      strings.TrimSpace(text),
		"generator":    c.deps.LLM.Provider() + "/" + c.deps.LLM.Model(),
	}, nil
}

func lastNotes(rec *clinical.Record) []clinical.Note {
	notes := slices.Clone(rec.Notes)
	slices.SortStableFunc(notes, func(a, b clinical.Note) int { return b.Date.Compare(a.Date) })
	if len(notes) > recentNotes {
		notes = notes[:recentNotes]
	}
	return notes
}

func summarySection(rec *clinical.Record, kind string) (string, error) {
	var v any
	switch kind {
	case "vitals_only":
		v = rec.Vitals
	case "history_only":
		v = rec.History
	case "recent_notes":
		v = lastNotes(rec)
	default:
		v = rec
	}
	data, err := json.MarshalIndent(v, "", "  ")
	return string(data), err
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// Digest 确定性摘要
func Digest(rec *clinical.Record, kind string) string {
	var b strings.Builder
	p := rec.Patient
	fmt.Fprintf(&b, "%s (%s)", p.FullName, p.ID)
	if p.DateOfBirth != "" {
		fmt.Fprintf(&b, ", born %s", p.DateOfBirth)
	}
	b.WriteString(".")
	vitals := func() {
		v := rec.Vitals
		fmt.Fprintf(&b, " Vitals: BP %s, HR %d, temp %.1f, weight %.1f kg.", v.BloodPressure, v.HeartRate, v.Temperature, v.WeightKg)
	}
	history := func() {
		h := rec.History
		fmt.Fprintf(&b, " Conditions: %s. Medications: %s. Allergies: %s.",
			joinOrNone(h.Conditions), joinOrNone(h.Medications), joinOrNone(h.Allergies))
	}
	notes := func() {
		recent := lastNotes(rec)
		if len(recent) == 0 {
			b.WriteString(" No notes on file.")
			return
		}
		for _, n := range recent {
			fmt.Fprintf(&b, " [%s %s by %s] %s", n.Date.Format("2006-01-02"), n.Type, n.ClinicianID, n.Text)
		}
	}
	switch kind {
	case "vitals_only":
		vitals()
	case "history_only":
		history()
	case "recent_notes":
		notes()
	default:
		vitals()
		history()
		notes()
	}
	return b.String()
}
