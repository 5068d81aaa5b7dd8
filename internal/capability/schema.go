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

package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema 入参描述（JSON Schema 子集：type / pattern / enum / required）
type Schema struct {
	Type        string                    `json:"type"`
	Description string                    `json:"description,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty 单个属性
type SchemaProperty struct {
	Type        string   `json:"type,omitempty"` // string | boolean | number | integer | object
	Description string   `json:"description,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ErrInvalidArgs 入参不符合 Schema
var ErrInvalidArgs = errors.New("capability: invalid arguments")

// ArgsValidator 编译后的入参校验器
type ArgsValidator struct {
	schema *jsonschema.Schema
}

// Document 生成 JSON Schema 文档：不允许未声明参数，必填字符串不能为空
func (s Schema) Document() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if typ == "string" && slices.Contains(s.Required, name) {
			prop["minLength"] = 1
		}
		props[name] = prop
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	return doc
}

// Compile 编译 Schema；name 仅用于错误定位
func (s Schema) Compile(name string) (*ArgsValidator, error) {
	raw, err := json.Marshal(s.Document())
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := "mem:///capability/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("capability %s: schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("capability %s: schema: %w", name, err)
	}
	return &ArgsValidator{schema: compiled}, nil
}

// ValidateArgs 按编译后的 Schema 检查入参；值为 nil 的参数视为未提供
func (v *ArgsValidator) ValidateArgs(args map[string]any) error {
	present := make(map[string]any, len(args))
	for k, val := range args {
		if val != nil {
			present[k] = val
		}
	}
	raw, err := json.Marshal(present)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgs, describe(err))
	}
	return nil
}

// describe 去掉校验错误的首行（schema 地址），其余逐条合并为一行
func describe(err error) string {
	msg := strings.TrimSpace(err.Error())
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		if _, rest, ok := strings.Cut(msg, "\n"); ok {
			msg = rest
		}
	}
	lines := strings.Split(msg, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(l), "- ")
	}
	return strings.Join(lines, "; ")
}

var (
	compiledMu sync.Mutex
	compiled   = map[string]*ArgsValidator{}
)

// ValidateArgs 按 Schema 检查入参；同一文档只编译一次
func (s Schema) ValidateArgs(args map[string]any) error {
	v, err := s.validator()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return v.ValidateArgs(args)
}

func (s Schema) validator() (*ArgsValidator, error) {
	raw, err := json.Marshal(s.Document())
	if err != nil {
		return nil, err
	}
	key := string(raw)
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if v, ok := compiled[key]; ok {
		return v, nil
	}
	v, err := s.Compile("inline")
	if err != nil {
		return nil, err
	}
	compiled[key] = v
	return v, nil
}
