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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Engine 脱敏引擎，作用于审计记录的 JSON 视图，不修改存储内容
type Engine struct {
	policy *Policy
}

// NewEngine 创建脱敏引擎；policy 为 nil 时原样返回数据
func NewEngine(policy *Policy) *Engine {
	return &Engine{policy: policy}
}

// Enabled 是否配置了脱敏
func (e *Engine) Enabled() bool {
	return e != nil && e.policy != nil
}

// RedactData 对 JSON 对象应用 kind 对应规则与全局规则
func (e *Engine) RedactData(kind string, data []byte) ([]byte, error) {
	if !e.Enabled() || len(data) == 0 {
		return data, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return data, err
	}
	e.RedactMap(kind, obj)
	return json.Marshal(obj)
}

// RedactMap 原地脱敏
func (e *Engine) RedactMap(kind string, obj map[string]interface{}) {
	if !e.Enabled() || obj == nil {
		return
	}
	for _, rule := range e.policy.KindRules[kind] {
		applyFieldMask(obj, rule)
	}
	for _, rule := range e.policy.GlobalRules {
		applyFieldMask(obj, rule)
	}
}

func applyFieldMask(obj map[string]interface{}, mask FieldMask) {
	parts := strings.Split(mask.FieldPath, ".")
	current := obj
	for i := 0; i < len(parts)-1; i++ {
		next, ok := current[parts[i]].(map[string]interface{})
		if !ok {
			return
		}
		current = next
	}

	lastKey := parts[len(parts)-1]
	value, exists := current[lastKey]
	if !exists {
		return
	}

	switch mask.Mode {
	case ModeRedact:
		current[lastKey] = "***REDACTED***"
	case ModeHash:
		current[lastKey] = hashValue(fmt.Sprintf("%v", value), mask.Salt)
	case ModeRemove:
		delete(current, lastKey)
	}
}

func hashValue(value string, salt string) string {
	h := sha256.New()
	h.Write([]byte(value))
	if salt != "" {
		h.Write([]byte(salt))
	}
	return "hash:" + hex.EncodeToString(h.Sum(nil))
}
