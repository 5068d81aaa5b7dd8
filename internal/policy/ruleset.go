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

// Package policy 授权闸门：规则集、计划/结果校验与策略推理
package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"record-gate/internal/plan"
)

// RuleKind 规则类型
type RuleKind string

const (
	// KindPrecedes Before 中的能力必须出现在每个 Targets 能力之前；修正为插入或前移
	KindPrecedes RuleKind = "precedes"
	// KindFollowedBy 每个 Targets 能力之后必须出现 After 能力；修正为插入
	KindFollowedBy RuleKind = "followed_by"
	// KindAuditMutating 每个有副作用的能力之前必须有审计能力；修正为插入
	KindAuditMutating RuleKind = "audit_mutating"
	// KindForbid 禁止的能力；修正为删除
	KindForbid RuleKind = "forbid"
	// KindScope 主体/对象/能力必须命中授权
	KindScope RuleKind = "scope"
	// KindResultRequires 能力结果中 Field 必须为 true
	KindResultRequires RuleKind = "result_requires"
)

var knownKinds = []RuleKind{KindPrecedes, KindFollowedBy, KindAuditMutating, KindForbid, KindScope, KindResultRequires}

// ErrInvalidRuleSet 规则集格式或内容非法
var ErrInvalidRuleSet = errors.New("policy: invalid rule set")

// RuleSetInvalidID 规则集失效时 BLOCK 所用的规则 ID
const RuleSetInvalidID = "ruleset.invalid"

// Rule 单条规则
type Rule struct {
	ID          string        `yaml:"id" json:"id"`
	Description string        `yaml:"description" json:"description"`
	Kind        RuleKind      `yaml:"kind" json:"kind"`
	Severity    plan.Severity `yaml:"severity" json:"severity"`

	Before  []string `yaml:"before,omitempty" json:"before,omitempty"`
	After   string   `yaml:"after,omitempty" json:"after,omitempty"`
	Targets []string `yaml:"targets,omitempty" json:"targets,omitempty"`

	// AuditCaps 视为审计步骤的能力（audit_mutating），首个用于插入
	AuditCaps []string `yaml:"audit_caps,omitempty" json:"audit_caps,omitempty"`

	// Capability/Field 供 result_requires 使用
	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`
	Field      string `yaml:"field,omitempty" json:"field,omitempty"`

	// PrincipalArg/SubjectArg 供 scope 使用：步骤参数中代表主体/对象的字段
	PrincipalArg string `yaml:"principal_arg,omitempty" json:"principal_arg,omitempty"`
	SubjectArg   string `yaml:"subject_arg,omitempty" json:"subject_arg,omitempty"`

	// Args 插入步骤的参数模板：能力名 -> 参数名 -> 模板（$principal / $subject / $capability 或字面量）
	Args map[string]map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Critical 是否为不可改写的规则
func (r Rule) Critical() bool { return r.Severity == plan.SeverityCritical }

func (r Rule) severity() plan.Severity {
	if r.Severity == "" {
		return plan.SeverityError
	}
	return r.Severity
}

// Grant 授权：主体可对哪些对象调用哪些能力；"*" 为通配
type Grant struct {
	Principal    string   `yaml:"principal" json:"principal"`
	Subjects     []string `yaml:"subjects" json:"subjects"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
}

func matchAny(list []string, v string) bool {
	return slices.Contains(list, "*") || slices.Contains(list, v)
}

// Allows 授权是否覆盖 (principal, subject, capability)；subject 为空时只校验主体与能力
func (g Grant) Allows(principal, subject, capability string) bool {
	if g.Principal != "*" && g.Principal != principal {
		return false
	}
	if subject != "" && !matchAny(g.Subjects, subject) {
		return false
	}
	return matchAny(g.Capabilities, capability)
}

// RuleSet 规则集：结构化规则 + 人类可读的流程文档
type RuleSet struct {
	Version        string  `yaml:"version" json:"version"`
	Procedure      string  `yaml:"procedure" json:"procedure"`
	MaxCorrections int     `yaml:"max_corrections" json:"max_corrections"`
	Rules          []Rule  `yaml:"rules" json:"rules"`
	Grants         []Grant `yaml:"grants" json:"grants"`

	invalid string
	digest  string
}

// BlockAll 失效规则集：任何校验都返回 BLOCK（fail-closed）
func BlockAll(reason string) *RuleSet {
	return &RuleSet{Version: "invalid", invalid: reason}
}

// FailClosed 是否为失效规则集
func (rs *RuleSet) FailClosed() bool { return rs == nil || rs.invalid != "" }

// InvalidReason 规则集失效原因
func (rs *RuleSet) InvalidReason() string {
	if rs == nil {
		return "no rule set loaded"
	}
	return rs.invalid
}

// Validate 检查规则集是否完整合法
func (rs *RuleSet) Validate() error {
	if rs.MaxCorrections < 0 {
		return fmt.Errorf("%w: max_corrections must be >= 0", ErrInvalidRuleSet)
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule %d has empty id", ErrInvalidRuleSet, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRuleSet, r.ID)
		}
		seen[r.ID] = true
		if !slices.Contains(knownKinds, r.Kind) {
			return fmt.Errorf("%w: rule %q has unknown kind %q", ErrInvalidRuleSet, r.ID, r.Kind)
		}
		switch r.Kind {
		case KindPrecedes:
			if len(r.Before) == 0 || len(r.Targets) == 0 {
				return fmt.Errorf("%w: rule %q needs before and targets", ErrInvalidRuleSet, r.ID)
			}
		case KindFollowedBy:
			if r.After == "" || len(r.Targets) == 0 {
				return fmt.Errorf("%w: rule %q needs after and targets", ErrInvalidRuleSet, r.ID)
			}
		case KindAuditMutating:
			if len(r.AuditCaps) == 0 {
				return fmt.Errorf("%w: rule %q needs audit_caps", ErrInvalidRuleSet, r.ID)
			}
		case KindForbid:
			if len(r.Targets) == 0 {
				return fmt.Errorf("%w: rule %q needs targets", ErrInvalidRuleSet, r.ID)
			}
		case KindResultRequires:
			if r.Capability == "" || r.Field == "" {
				return fmt.Errorf("%w: rule %q needs capability and field", ErrInvalidRuleSet, r.ID)
			}
		}
	}
	return nil
}

// RulesOf 返回指定类型的规则（保持顺序）
func (rs *RuleSet) RulesOf(kind RuleKind) []Rule {
	var out []Rule
	for _, r := range rs.Rules {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Digest 规则集内容摘要，用于裁决缓存键
func (rs *RuleSet) Digest() string {
	if rs.digest != "" {
		return rs.digest
	}
	data, _ := json.Marshal(rs)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse 解析 YAML 规则集并校验；未知字段视为错误
func Parse(data []byte) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var rs RuleSet
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	rs.digest = rs.Digest()
	return &rs, nil
}

// LoadFile 从文件加载规则集
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set %s: %w", path, err)
	}
	return Parse(data)
}

// Default 内置规则集，与 configs/policy.yaml 一致
func Default() *RuleSet {
	patientArgs := map[string]string{"patient_id": "$subject", "clinician_id": "$principal"}
	rs := &RuleSet{
		Version:        "builtin-1",
		Procedure:      defaultProcedure,
		MaxCorrections: 2,
		Rules: []Rule{
			{
				ID:          "identity.first",
				Description: "clinician identity must be verified before any patient data step",
				Kind:        KindPrecedes,
				Severity:    plan.SeverityError,
				Before:      []string{"verify_credentials"},
				Targets:     []string{"check_consent", "fetch_record", "summarize", "render", "append_record", "issue_token"},
				Args:        map[string]map[string]string{"verify_credentials": {"clinician_id": "$principal"}},
			},
			{
				ID:          "consent.before_data",
				Description: "patient consent must be checked before any data-returning or mutating step",
				Kind:        KindPrecedes,
				Severity:    plan.SeverityError,
				Before:      []string{"check_consent"},
				Targets:     []string{"fetch_record", "summarize", "render", "append_record"},
				Args:        map[string]map[string]string{"check_consent": patientArgs},
			},
			{
				ID:          "audit.mutating",
				Description: "every mutating step must be preceded by an access log entry",
				Kind:        KindAuditMutating,
				Severity:    plan.SeverityError,
				AuditCaps:   []string{"log_access"},
				Args: map[string]map[string]string{"log_access": {
					"clinician_id": "$principal", "patient_id": "$subject", "action": "$capability",
				}},
			},
			{
				ID:          "audit.access",
				Description: "every record read must be followed by an access log entry",
				Kind:        KindFollowedBy,
				Severity:    plan.SeverityError,
				After:       "log_access",
				Targets:     []string{"fetch_record", "summarize", "render"},
				Args: map[string]map[string]string{"log_access": {
					"clinician_id": "$principal", "patient_id": "$subject", "action": "$capability",
				}},
			},
			{
				ID:           "scope.grant",
				Description:  "principal must hold a grant for the subject and capability",
				Kind:         KindScope,
				Severity:     plan.SeverityCritical,
				PrincipalArg: "clinician_id",
				SubjectArg:   "patient_id",
			},
			{
				ID:          "credentials.unverified",
				Description: "clinician credentials could not be verified",
				Kind:        KindResultRequires,
				Severity:    plan.SeverityCritical,
				Capability:  "verify_credentials",
				Field:       "verified",
			},
			{
				ID:          "consent.denied",
				Description: "patient consent is not granted for this clinician",
				Kind:        KindResultRequires,
				Severity:    plan.SeverityCritical,
				Capability:  "check_consent",
				Field:       "consent_granted",
			},
		},
		Grants: []Grant{{Principal: "*", Subjects: []string{"*"}, Capabilities: []string{"*"}}},
	}
	rs.digest = rs.Digest()
	return rs
}

const defaultProcedure = `Medical record access procedure.
1. Verify the requesting clinician's credentials before touching any patient data.
2. Check the patient's consent for this clinician before fetching, summarizing, rendering or amending the record.
3. If consent is missing, expired, revoked or denied, stop immediately.
4. Record every access in the audit log. Amendments must be logged before they are written.
5. A clinician may only act under their own identity.`
