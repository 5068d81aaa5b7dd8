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

package redaction

import (
	"strings"

	"record-gate/pkg/config"
)

// Policy 审计记录脱敏策略：按记录类型的规则 + 全局规则
type Policy struct {
	KindRules   map[string][]FieldMask // record kind -> field masks
	GlobalRules []FieldMask
}

// FieldMask 字段掩码
type FieldMask struct {
	FieldPath string // 点分路径，如 "result.content"、"args.subject_id"
	Mode      Mode
	Salt      string // hash 模式使用
}

// Mode 脱敏模式
type Mode string

const (
	ModeRedact Mode = "redact" // 替换为 ***REDACTED***
	ModeHash   Mode = "hash"   // 替换为加盐 SHA256
	ModeRemove Mode = "remove" // 移除字段
)

// Valid 是否为已知模式
func (m Mode) Valid() bool {
	switch m {
	case ModeRedact, ModeHash, ModeRemove:
		return true
	}
	return false
}

// FromConfig 由配置生成策略；未启用时返回 nil。路径形如 "step:result.content" 时仅作用于该类型记录
func FromConfig(cfg config.RedactionConfig) *Policy {
	if !cfg.Enable {
		return nil
	}
	p := &Policy{KindRules: make(map[string][]FieldMask)}
	for _, f := range cfg.Fields {
		mode := Mode(f.Mode)
		if !mode.Valid() {
			mode = ModeRedact
		}
		path, kind := f.Path, ""
		if i := strings.IndexByte(path, ':'); i > 0 {
			kind, path = path[:i], path[i+1:]
		}
		mask := FieldMask{FieldPath: path, Mode: mode, Salt: cfg.Salt}
		if kind == "" {
			p.GlobalRules = append(p.GlobalRules, mask)
		} else {
			p.KindRules[kind] = append(p.KindRules[kind], mask)
		}
	}
	return p
}
