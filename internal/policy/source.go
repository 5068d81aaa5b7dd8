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
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"record-gate/pkg/log"
)

// Source 当前生效的规则集；整体原子替换，执行器每次运行取一份快照
type Source struct {
	path    string
	current atomic.Pointer[RuleSet]
	logger  *log.Logger
}

// NewSource 以给定规则集创建 Source；非法规则集按 fail-closed 处理
func NewSource(rs *RuleSet) *Source {
	s := &Source{logger: log.Nop()}
	_ = s.Store(rs)
	return s
}

// LoadSource 从文件加载；加载失败时返回 fail-closed 的 Source 与错误
func LoadSource(path string, logger *log.Logger) (*Source, error) {
	s := &Source{path: path, logger: logger.Component("policy")}
	err := s.Reload()
	return s, err
}

// SetLogger 设置日志
func (s *Source) SetLogger(logger *log.Logger) {
	s.logger = logger.Component("policy")
}

// Path 规则文件路径（内存规则集为空）
func (s *Source) Path() string { return s.path }

// Current 当前规则集快照
func (s *Source) Current() *RuleSet {
	if rs := s.current.Load(); rs != nil {
		return rs
	}
	return BlockAll("no rule set loaded")
}

// Store 校验并替换规则集；非法时替换为 BlockAll 并返回错误
func (s *Source) Store(rs *RuleSet) error {
	if rs == nil {
		s.current.Store(BlockAll("no rule set loaded"))
		return fmt.Errorf("%w: nil rule set", ErrInvalidRuleSet)
	}
	if !rs.FailClosed() {
		if err := rs.Validate(); err != nil {
			s.current.Store(BlockAll(err.Error()))
			return err
		}
		if rs.digest == "" {
			rs.digest = rs.Digest()
		}
	}
	s.current.Store(rs)
	return nil
}

// Reload 重新读取规则文件
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	rs, err := LoadFile(s.path)
	if err != nil {
		s.current.Store(BlockAll(err.Error()))
		s.logger.Error("规则集加载失败，进入 fail-closed", "path", s.path, "error", err)
		return err
	}
	s.current.Store(rs)
	s.logger.Info("规则集已加载", "path", s.path, "version", rs.Version, "rules", len(rs.Rules))
	return nil
}

// Watch 监听规则文件变更并重载，直到 ctx 结束
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("policy: no rule file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// 监听目录：编辑器常以 rename 方式写文件
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(100 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			_ = s.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("规则文件监听错误", "error", err)
		}
	}
}
