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

package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/jwt"

	"record-gate/pkg/auth"
	"record-gate/pkg/secrets"
)

// IdentityKey JWT claims 中的调用者字段
const IdentityKey = "principal_id"

const roleClaim = "role"

var errBadCredentials = errors.New("incorrect principal_id or password")

type loginRequest struct {
	PrincipalID string `json:"principal_id"`
	Password    string `json:"password"`
}

type identity struct {
	PrincipalID string
	Role        auth.Role
}

// PasswordKey 调用者口令在 secret store 中的 key，如 password/DR_0001（env 下为 PASSWORD_DR_0001）
func PasswordKey(principalID string) string {
	return "password/" + principalID
}

// NewJWTAuth 创建 JWT 中间件：登录时用 secret store 中的口令校验，角色来自 RBAC
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration, store secrets.Store, rbac auth.RBACChecker) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:         "record-gate",
		Key:           key,
		Timeout:       timeout,
		MaxRefresh:    maxRefresh,
		IdentityKey:   IdentityKey,
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var req loginRequest
			if err := c.BindJSON(&req); err != nil || req.PrincipalID == "" || req.Password == "" {
				return nil, jwt.ErrMissingLoginValues
			}
			want, err := store.Get(ctx, PasswordKey(req.PrincipalID))
			if err != nil || want == "" || want != req.Password {
				return nil, errBadCredentials
			}
			role, err := rbac.GetRole(ctx, req.PrincipalID)
			if err != nil {
				return nil, err
			}
			return &identity{PrincipalID: req.PrincipalID, Role: role}, nil
		},
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if id, ok := data.(*identity); ok {
				return jwt.MapClaims{IdentityKey: id.PrincipalID, roleClaim: string(id.Role)}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			id, _ := claims[IdentityKey].(string)
			role, _ := claims[roleClaim].(string)
			return &identity{PrincipalID: id, Role: auth.Role(role)}
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
	})
}

// Identity 在 JWT 校验之后把调用者与角色放入 ctx
func Identity(mw *jwt.HertzJWTMiddleware) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		v, ok := c.Get(mw.IdentityKey)
		id, _ := v.(*identity)
		if !ok || id == nil || id.PrincipalID == "" {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "authentication required"})
			c.Abort()
			return
		}
		ctx = auth.WithPrincipalID(ctx, id.PrincipalID)
		ctx = auth.WithRole(ctx, id.Role)
		c.Next(ctx)
	}
}
