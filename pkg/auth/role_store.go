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

package auth

import (
	"context"
	"sync"
)

// MemoryRoleStore 内存角色表；未登记的调用者为 clinician
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewMemoryRoleStore 创建角色表；seed 为 principal_id -> role 名，未知角色名忽略
func NewMemoryRoleStore(seed map[string]string) *MemoryRoleStore {
	s := &MemoryRoleStore{roles: make(map[string]Role)}
	for id, name := range seed {
		if r, ok := ParseRole(name); ok {
			s.roles[id] = r
		}
	}
	return s
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, principalID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.roles[principalID]; ok {
		return r, nil
	}
	return RoleClinician, nil
}

func (s *MemoryRoleStore) SetRole(ctx context.Context, principalID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[principalID] = role
	return nil
}
