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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"record-gate/internal/plan"
)

var (
	// ErrUnknown 能力未注册
	ErrUnknown = errors.New("capability: unknown")
	// ErrDuplicate 重复注册
	ErrDuplicate = errors.New("capability: already registered")
	// ErrSealed 注册表已封闭
	ErrSealed = errors.New("capability: registry sealed")
)

// Registry 能力注册表：启动时注册，Seal 后只读
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]Capability
	args   map[string]*ArgsValidator
	sealed bool
}

// NewRegistry 创建能力注册表
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability), args: make(map[string]*ArgsValidator)}
}

// Register 注册能力并编译其入参 Schema；重名、Schema 非法或已封闭时报错
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	name := c.Descriptor().Name
	if name == "" {
		return fmt.Errorf("capability: empty name")
	}
	if _, ok := r.caps[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	v, err := c.Descriptor().Schema.Compile(name)
	if err != nil {
		return err
	}
	r.caps[name] = c
	r.args[name] = v
	return nil
}

// MustRegister 注册失败时 panic，用于装配阶段
func (r *Registry) MustRegister(caps ...Capability) {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Seal 封闭注册表
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get 按名称获取能力
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Descriptor 按名称获取描述
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	c, ok := r.Get(name)
	if !ok {
		return Descriptor{}, false
	}
	return c.Descriptor(), true
}

// Catalog 按名称排序的全部描述
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Descriptor, 0, len(r.caps))
	for _, c := range r.caps {
		list = append(list, c.Descriptor())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Validate 检查步骤引用的能力存在且入参合法
func (r *Registry) Validate(step plan.Step) error {
	r.mu.RLock()
	v, ok := r.args[step.Capability]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknown, step.Capability)
	}
	if err := v.ValidateArgs(step.Args); err != nil {
		return fmt.Errorf("%s: %w", step.Capability, err)
	}
	return nil
}

// SchemaForLLM 单个能力供 LLM 使用的描述
type SchemaForLLM struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	SideEffect  SideEffect `json:"side_effect"`
	Parameters  Schema     `json:"parameters"`
}

// SchemasForLLM 目录的 JSON 表示（供规划器提示词）
func SchemasForLLM(catalog []Descriptor) ([]byte, error) {
	list := make([]SchemaForLLM, 0, len(catalog))
	for _, d := range catalog {
		list = append(list, SchemaForLLM{
			Name:        d.Name,
			Description: d.Description,
			SideEffect:  d.SideEffect,
			Parameters:  d.Schema,
		})
	}
	return json.Marshal(list)
}

// SchemasForLLM 注册表全部能力的 JSON 表示
func (r *Registry) SchemasForLLM() ([]byte, error) {
	return SchemasForLLM(r.Catalog())
}
