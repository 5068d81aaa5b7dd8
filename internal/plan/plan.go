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

// Package plan 定义计划、步骤与校验裁决等核心数据结构
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"strings"
)

// Step 计划中的单步：调用的能力及入参；Index 从 1 开始
type Step struct {
	Index      int            `json:"index"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args,omitempty"`
}

// Plan 规划器产出的有序步骤序列；执行器不会重排或并行
type Plan struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id,omitempty"`
	PrincipalID string `json:"principal_id"`
	SubjectID   string `json:"subject_id,omitempty"`
	Steps       []Step `json:"steps"`
}

// Clone 深拷贝（参数 map 浅一层拷贝，值本身视为不可变）
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		c.Steps[i] = Step{Index: s.Index, Capability: s.Capability, Args: maps.Clone(s.Args)}
	}
	return &c
}

// Reindex 按顺序重新编号为 1..n
func (p *Plan) Reindex() {
	for i := range p.Steps {
		p.Steps[i].Index = i + 1
	}
}

// Capabilities 步骤能力名序列
func (p *Plan) Capabilities() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Capability
	}
	return out
}

// Step 按 1 起序号取步骤
func (p *Plan) Step(index int) (Step, bool) {
	if index < 1 || index > len(p.Steps) {
		return Step{}, false
	}
	return p.Steps[index-1], true
}

// String 形如 verify_credentials -> check_consent -> fetch_record
func (p *Plan) String() string {
	return strings.Join(p.Capabilities(), " -> ")
}

// Fingerprint 对 (principal, subject, steps) 的规范 JSON 做 SHA256；同一计划恒等
func (p *Plan) Fingerprint() string {
	type fpStep struct {
		Capability string         `json:"c"`
		Args       map[string]any `json:"a"`
	}
	steps := make([]fpStep, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = fpStep{Capability: s.Capability, Args: s.Args}
	}
	b, _ := json.Marshal(struct {
		Principal string   `json:"p"`
		Subject   string   `json:"s"`
		Steps     []fpStep `json:"steps"`
	}{p.PrincipalID, p.SubjectID, steps})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Request 进入网关的一次自然语言请求
type Request struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	PrincipalID string `json:"principal_id"`
	Text        string `json:"text"`
}
