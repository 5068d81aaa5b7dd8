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

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"record-gate/internal/model/llm"
	"record-gate/internal/plan"
)

// ErrMalformedVerdict 推理服务返回无法解析或不完整的裁决
var ErrMalformedVerdict = errors.New("policy: malformed verdict")

// LLMReasoner 以流程文档 + 计划提示 LLM 给出裁决
type LLMReasoner struct {
	client  llm.Client
	options llm.GenerateOptions
}

// NewLLMReasoner 创建 LLM 推理器
func NewLLMReasoner(client llm.Client) *LLMReasoner {
	return &LLMReasoner{
		client:  client,
		options: llm.GenerateOptions{Temperature: 0, MaxTokens: 800},
	}
}

type llmStep struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

type llmVerdict struct {
	Decision       string    `json:"decision"`
	Reason         string    `json:"reason"`
	RuleID         string    `json:"rule_id"`
	Severity       string    `json:"severity"`
	CorrectedSteps []llmStep `json:"corrected_steps"`
}

const reasonerSystemPrompt = `You are a compliance gate for medical record access.
Judge the proposed action against the procedure below and answer with JSON only:
{"decision":"APPROVE|CORRECT|BLOCK","reason":"...","rule_id":"...","severity":"none|warning|error|critical","corrected_steps":[{"capability":"...","args":{}}]}
corrected_steps is required only for CORRECT and must be the complete replacement plan.

Procedure:
`

// Reason 实现 Reasoner
func (r *LLMReasoner) Reason(ctx context.Context, q Query, rules *RuleSet) (plan.Verdict, error) {
	var body []byte
	var err error
	if q.Step != nil {
		body, err = json.Marshal(map[string]any{"step": q.Step, "result": q.Result})
	} else {
		body, err = json.Marshal(q.Plan)
	}
	if err != nil {
		return plan.Verdict{}, fmt.Errorf("encode reasoning query: %w", err)
	}
	reply, err := r.client.ChatWithContext(ctx, []llm.Message{
		{Role: "system", Content: reasonerSystemPrompt + rules.Procedure},
		{Role: "user", Content: string(body)},
	}, r.options)
	if err != nil {
		return plan.Verdict{}, fmt.Errorf("policy reasoning: %w", err)
	}
	return parseLLMVerdict(reply, q)
}

func parseLLMVerdict(reply string, q Query) (plan.Verdict, error) {
	var lv llmVerdict
	if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &lv); err != nil {
		return plan.Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	stage := q.Stage()
	sev := plan.Severity(strings.ToLower(lv.Severity))
	switch plan.Decision(strings.ToUpper(lv.Decision)) {
	case plan.Approve:
		return plan.Approved(stage), nil
	case plan.Block:
		if lv.RuleID == "" {
			lv.RuleID = "reasoner.block"
		}
		return plan.Blocked(stage, lv.RuleID, lv.Reason, sev), nil
	case plan.Correct:
		if q.Plan == nil || stage != plan.StagePlan {
			return plan.Verdict{}, fmt.Errorf("%w: CORRECT is only valid for plans", ErrMalformedVerdict)
		}
		if len(lv.CorrectedSteps) == 0 {
			return plan.Verdict{}, fmt.Errorf("%w: CORRECT without corrected_steps", ErrMalformedVerdict)
		}
		replacement := q.Plan.Clone()
		replacement.Steps = make([]plan.Step, 0, len(lv.CorrectedSteps))
		for _, s := range lv.CorrectedSteps {
			if s.Capability == "" {
				return plan.Verdict{}, fmt.Errorf("%w: corrected step without capability", ErrMalformedVerdict)
			}
			replacement.Steps = append(replacement.Steps, plan.Step{Capability: s.Capability, Args: s.Args})
		}
		replacement.Reindex()
		ruleID := lv.RuleID
		if ruleID == "" {
			ruleID = "reasoner.correct"
		}
		v := plan.Corrected(replacement, ruleID, []string{"replaced by reasoner: " + replacement.String()})
		if lv.Reason != "" {
			v.Reason = lv.Reason
		}
		return v, nil
	default:
		return plan.Verdict{}, fmt.Errorf("%w: unknown decision %q", ErrMalformedVerdict, lv.Decision)
	}
}
