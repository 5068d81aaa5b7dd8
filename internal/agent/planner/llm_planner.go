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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"record-gate/internal/capability"
	"record-gate/internal/model/llm"
	"record-gate/internal/plan"
)

// LLMPlanner 基于 LLM 的规划器：输出 JSON 计划
type LLMPlanner struct {
	client llm.Client
}

// NewLLMPlanner 创建基于 LLM 的 Planner
func NewLLMPlanner(client llm.Client) *LLMPlanner {
	return &LLMPlanner{client: client}
}

type llmPlanStep struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

type llmPlanOutput struct {
	SubjectID string        `json:"subject_id"`
	Uncertain bool          `json:"uncertain"`
	Reason    string        `json:"reason"`
	Steps     []llmPlanStep `json:"steps"`
}

const plannerSystemPrompt = `You plan access to medical records. Choose an ordered sequence of capabilities that fulfils the request.
Available capabilities (JSON):
%s

Rules:
- Use only the capabilities listed above with arguments matching their parameters.
- Identifiers look like DR_0001 (clinician) and PT_0001 (patient).
- If the request is ambiguous or cannot be satisfied, set "uncertain": true and explain in "reason". Never guess.

Answer with JSON only:
{"subject_id":"PT_xxxx","uncertain":false,"reason":"","steps":[{"capability":"name","args":{}}]}`

// Plan 实现 Planner
func (p *LLMPlanner) Plan(ctx context.Context, req plan.Request, catalog []capability.Descriptor, sc SessionContext) (*plan.Plan, error) {
	if p.client == nil {
		return nil, failf("planner has no language model configured")
	}
	toolsDesc, err := capability.SchemasForLLM(catalog)
	if err != nil {
		return nil, &Failure{Reason: "encode capability catalog", Err: err}
	}
	principal := req.PrincipalID
	if principal == "" {
		principal = sc.PrincipalID
	}

	user := fmt.Sprintf("Acting clinician: %s\n", principal)
	if sc.LastSubjectID != "" {
		user += fmt.Sprintf("Patient discussed previously in this session: %s\n", sc.LastSubjectID)
	}
	user += "Request: " + req.Text

	reply, err := p.client.ChatWithContext(ctx, []llm.Message{
		{Role: "system", Content: fmt.Sprintf(plannerSystemPrompt, toolsDesc)},
		{Role: "user", Content: user},
	}, llm.GenerateOptions{MaxTokens: 1024, Temperature: 0})
	if err != nil {
		return nil, &Failure{Reason: "planner model call failed", Err: err}
	}

	var out llmPlanOutput
	if err := json.Unmarshal([]byte(llm.ExtractJSON(reply)), &out); err != nil {
		return nil, &Failure{Reason: "planner output is not valid JSON", Err: err}
	}
	if out.Uncertain {
		reason := out.Reason
		if reason == "" {
			reason = "planner is uncertain"
		}
		return nil, failf("%s", reason)
	}
	if len(out.Steps) == 0 {
		return nil, failf("planner produced no steps")
	}

	result := &plan.Plan{
		ID:          "plan-" + uuid.New().String(),
		RequestID:   req.ID,
		PrincipalID: principal,
		SubjectID:   out.SubjectID,
	}
	for _, s := range out.Steps {
		result.Steps = append(result.Steps, plan.Step{Capability: s.Capability, Args: s.Args})
	}
	result.Reindex()
	if result.SubjectID == "" {
		result.SubjectID = firstPatientArg(result)
	}
	if result.SubjectID == "" {
		result.SubjectID = sc.LastSubjectID
	}
	if err := checkCatalog(result, catalog); err != nil {
		return nil, err
	}
	return result, nil
}

func firstPatientArg(p *plan.Plan) string {
	for _, s := range p.Steps {
		if v, ok := s.Args["patient_id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
