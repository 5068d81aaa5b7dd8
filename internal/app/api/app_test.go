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

package api

import (
	"context"
	"testing"

	"record-gate/internal/app"
	"record-gate/pkg/config"
)

func newTestBootstrap(t *testing.T) *app.Bootstrap {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	b, err := app.NewBootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewBootstrap: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNewApp_Defaults(t *testing.T) {
	a, err := NewApp(newTestBootstrap(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if a.router == nil {
		t.Fatal("router not built")
	}
}

func TestNewApp_AuthWithoutKey(t *testing.T) {
	b := newTestBootstrap(t)
	b.Config.API.Middleware.Auth = true
	b.Config.API.Middleware.JWTKey = ""
	if _, err := NewApp(b); err == nil {
		t.Fatal("expected error when auth is enabled without a jwt key")
	}
}

func TestPrincipalRoles(t *testing.T) {
	got := principalRoles(map[string]string{"dr_0001": "admin", "DR_0002": "auditor"})
	if got["DR_0001"] != "admin" || got["DR_0002"] != "auditor" {
		t.Fatalf("unexpected roles: %v", got)
	}
}
