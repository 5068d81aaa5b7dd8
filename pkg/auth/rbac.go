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
	"slices"
)

type Permission string

const (
	PermissionRequestSubmit Permission = "request:submit" // 提交病历访问请求
	PermissionAuditView     Permission = "audit:view"     // 查询与校验审计日志
	PermissionSessionManage Permission = "session:manage" // 查看/删除/清理会话
	PermissionPolicyManage  Permission = "policy:manage"  // 查看与重载策略
)

type Role string

const (
	RoleAdmin     Role = "admin"     // 全部权限
	RoleAuditor   Role = "auditor"   // 只读审计
	RoleClinician Role = "clinician" // 提交请求
)

// ParseRole 解析角色名，未知返回 false
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	_, ok := RolePermissions[r]
	return r, ok
}

var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionRequestSubmit,
		PermissionAuditView,
		PermissionSessionManage,
		PermissionPolicyManage,
	},
	RoleAuditor: {
		PermissionAuditView,
	},
	RoleClinician: {
		PermissionRequestSubmit,
	},
}

type RBACChecker interface {
	// CheckPermission 检查调用者是否有该权限
	CheckPermission(ctx context.Context, principalID string, permission Permission) (bool, error)

	// GetRole 获取调用者角色
	GetRole(ctx context.Context, principalID string) (Role, error)
}

func HasPermission(role Role, permission Permission) bool {
	return slices.Contains(RolePermissions[role], permission)
}

type SimpleRBACChecker struct {
	roleStore RoleStore
}

type RoleStore interface {
	GetRole(ctx context.Context, principalID string) (Role, error)
	SetRole(ctx context.Context, principalID string, role Role) error
}

func NewSimpleRBACChecker(roleStore RoleStore) *SimpleRBACChecker {
	return &SimpleRBACChecker{roleStore: roleStore}
}

func (c *SimpleRBACChecker) CheckPermission(ctx context.Context, principalID string, permission Permission) (bool, error) {
	role, err := c.roleStore.GetRole(ctx, principalID)
	if err != nil {
		return false, err
	}
	return HasPermission(role, permission), nil
}

func (c *SimpleRBACChecker) GetRole(ctx context.Context, principalID string) (Role, error) {
	return c.roleStore.GetRole(ctx, principalID)
}
