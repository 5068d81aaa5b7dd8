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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"record-gate/internal/agent"
	"record-gate/internal/agent/executor"
	"record-gate/internal/agent/planner"
	"record-gate/internal/api/http/middleware"
	"record-gate/internal/capability"
	"record-gate/internal/capability/builtin"
	"record-gate/internal/clinical"
	"record-gate/internal/policy"
	"record-gate/internal/runtime/auditlog"
	"record-gate/internal/runtime/session"
	"record-gate/pkg/auth"
	"record-gate/pkg/config"
	"record-gate/pkg/log"
	"record-gate/pkg/redaction"
	"record-gate/pkg/secrets"
)

type testServer struct {
	srv      *server.Hertz
	audit    *auditlog.MemoryLog
	sessions *session.Manager
	rules    *policy.Source
}

func newTestServer(t *testing.T, withAuth bool) *testServer {
	t.Helper()
	now := time.Now()
	audit := auditlog.NewMemoryLog()
	reg := capability.NewRegistry()
	if err := builtin.Register(reg, builtin.Deps{Directory: clinical.NewSeededDirectory(now), Audit: audit}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.Seal()

	rules := policy.NewSource(policy.Default())
	validator := policy.NewValidator(reg, nil)
	exec := executor.New(reg, validator, rules, audit, executor.DefaultConfig())
	sessions := session.NewManager(session.NewMemoryStore(), time.Hour, 5)
	orch := agent.New(planner.NewRulePlanner(), exec, reg, sessions, audit)

	h := NewHandler(orch, audit)
	h.SetSessions(sessions)
	h.SetCatalog(reg)
	h.SetPolicy(rules, validator)
	h.SetRedactor(redaction.NewEngine(redaction.FromConfig(config.RedactionConfig{
		Enable: true,
		Fields: []config.RedactionFieldRule{{Path: "step:result.patient", Mode: "redact"}},
	})))

	r := NewRouter(h, middleware.NewMiddleware())
	r.SetAuditMiddleware(middleware.NewAuditMiddleware(audit, log.Nop()))
	if withAuth {
		roles := auth.NewMemoryRoleStore(map[string]string{"DR_0001": "clinician", "AUD_01": "auditor", "ADM_01": "admin"})
		store := secrets.NewMemoryStore(map[string]string{
			middleware.PasswordKey("DR_0001"): "pw-dr",
			middleware.PasswordKey("AUD_01"):  "pw-aud",
			middleware.PasswordKey("ADM_01"):  "pw-adm",
		})
		rbac := auth.NewSimpleRBACChecker(roles)
		jwtMW, err := middleware.NewJWTAuth([]byte("test-key"), time.Hour, time.Hour, store, rbac)
		if err != nil {
			t.Fatalf("NewJWTAuth: %v", err)
		}
		r.SetJWT(jwtMW, middleware.NewAuthZMiddleware(rbac))
	}
	return &testServer{srv: r.Build(":0"), audit: audit, sessions: sessions, rules: rules}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	headers := []ut.Header{{Key: "Content-Type", Value: "application/json"}}
	if token != "" {
		headers = append(headers, ut.Header{Key: "Authorization", Value: "Bearer " + token})
	}
	w := ut.PerformRequest(s.srv.Engine, method, path, &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)}, headers...)
	resp := w.Result()
	out := map[string]any{}
	_ = json.Unmarshal(resp.Body(), &out)
	return resp.StatusCode(), out
}

func (s *testServer) login(t *testing.T, principal, password string) string {
	t.Helper()
	status, body := s.do(t, "POST", "/api/auth/login", map[string]string{"principal_id": principal, "password": password}, "")
	if status != 200 {
		t.Fatalf("login %s: status %d body %v", principal, status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("login %s: no token in %v", principal, body)
	}
	return token
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, false)
	status, body := s.do(t, "GET", "/api/health", nil, "")
	if status != 200 || body["status"] != "ok" || body["ruleset"] != "builtin-1" {
		t.Fatalf("health: %d %v", status, body)
	}

	_ = s.rules.Store(policy.BlockAll("broken file"))
	_, body = s.do(t, "GET", "/api/health", nil, "")
	if body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body)
	}
}

func TestSubmitRequest(t *testing.T) {
	s := newTestServer(t, false)
	status, body := s.do(t, "POST", "/api/requests", map[string]string{"principal_id": "DR_0001", "text": "access patient PT_0001"}, "")
	if status != 200 {
		t.Fatalf("status %d body %v", status, body)
	}
	if body["state"] != string(executor.StateCompleted) {
		t.Fatalf("state: %v", body)
	}
	if results, _ := body["results"].([]any); len(results) != 4 {
		t.Errorf("results: %v", body["results"])
	}

	status, body = s.do(t, "POST", "/api/requests", map[string]string{"principal_id": "DR_0001", "text": "access patient PT_0002"}, "")
	if status != 200 || body["state"] != string(executor.StateAborted) || body["code"] != "policy_block" || body["step_index"] != float64(2) {
		t.Errorf("denied consent: %d %v", status, body)
	}

	status, _ = s.do(t, "POST", "/api/requests", map[string]string{"text": "access patient PT_0001"}, "")
	if status != 400 {
		t.Errorf("missing principal: %d", status)
	}
	status, _ = s.do(t, "POST", "/api/requests", map[string]string{"principal_id": "DR_0001"}, "")
	if status != 400 {
		t.Errorf("missing text: %d", status)
	}

	s.audit.SetUnavailable(true)
	status, _ = s.do(t, "POST", "/api/requests", map[string]string{"principal_id": "DR_0001", "text": "access patient PT_0001"}, "")
	if status != 503 {
		t.Errorf("audit down: %d", status)
	}
}

func TestQueryAuditRedacts(t *testing.T) {
	s := newTestServer(t, false)
	_, sub := s.do(t, "POST", "/api/requests", map[string]string{"principal_id": "DR_0001", "text": "access patient PT_0001"}, "")
	runID, _ := sub["run_id"].(string)

	status, body := s.do(t, "GET", "/api/audit?kind=step&run_id="+runID, nil, "")
	if status != 200 {
		t.Fatalf("status %d %v", status, body)
	}
	records, _ := body["records"].([]any)
	if len(records) != 4 || body["redacted"] != true {
		t.Fatalf("records: %v", body)
	}
	fetch, _ := records[2].(map[string]any)
	result, _ := fetch["result"].(map[string]any)
	if result["patient"] != "***REDACTED***" {
		t.Errorf("patient not redacted: %v", result["patient"])
	}

	status, _ = s.do(t, "GET", "/api/audit?from=yesterday", nil, "")
	if status != 400 {
		t.Errorf("bad from: %d", status)
	}

	status, body = s.do(t, "GET", "/api/audit/verify", nil, "")
	if status != 200 || body["valid"] != true {
		t.Errorf("verify: %d %v", status, body)
	}

	// 审计查询本身被记录
	views, err := auditlog.Collect(context.Background(), s.audit, auditlog.Filter{Kinds: []auditlog.Kind{auditlog.KindAccess}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var apiViews int
	for _, r := range views {
		if r.Event == auditlog.EventAPIAccessed {
			apiViews++
		}
	}
	if apiViews != 3 {
		t.Errorf("api access records: %d", apiViews)
	}
}

func TestSessionsAndPolicy(t *testing.T) {
	s := newTestServer(t, false)
	_, sub := s.do(t, "POST", "/api/requests", map[string]string{"principal_id": "DR_0001", "text": "access patient PT_0001"}, "")
	sid, _ := sub["session_id"].(string)

	status, body := s.do(t, "GET", "/api/sessions/"+sid, nil, "")
	if status != 200 || body["last_subject_id"] != "PT_0001" {
		t.Fatalf("session: %d %v", status, body)
	}
	status, body = s.do(t, "GET", "/api/sessions/stats", nil, "")
	if status != 200 || body["active"] != float64(1) {
		t.Errorf("stats: %d %v", status, body)
	}
	if status, _ = s.do(t, "DELETE", "/api/sessions/"+sid, nil, ""); status != 200 {
		t.Errorf("forget: %d", status)
	}
	if status, _ = s.do(t, "GET", "/api/sessions/"+sid, nil, ""); status != 404 {
		t.Errorf("after forget: %d", status)
	}
	if status, body = s.do(t, "POST", "/api/sessions/cleanup", nil, ""); status != 200 || body["removed"] != float64(0) {
		t.Errorf("cleanup: %d %v", status, body)
	}

	status, body = s.do(t, "GET", "/api/policy", nil, "")
	if status != 200 || body["version"] != "builtin-1" || body["stats"] == nil {
		t.Errorf("policy: %d %v", status, body)
	}

	status, body = s.do(t, "GET", "/api/capabilities", nil, "")
	if caps, _ := body["capabilities"].([]any); status != 200 || len(caps) != 8 {
		t.Errorf("capabilities: %d %v", status, body)
	}
}

func TestReloadPolicyFailClosed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("version: v-file\nrules: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := policy.LoadSource(path, log.Nop())
	if err != nil {
		t.Fatalf("LoadSource: %v", err)
	}
	h := NewHandler(nil, nil)
	h.SetPolicy(src, nil)
	srv := NewRouter(h, middleware.NewMiddleware()).Build(":0")
	s := &testServer{srv: srv}

	if err := os.WriteFile(path, []byte("version: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	status, body := s.do(t, "POST", "/api/policy/reload", nil, "")
	if status != 422 || body["fail_closed"] == nil {
		t.Errorf("reload broken: %d %v", status, body)
	}
}

func TestMissingDependencies(t *testing.T) {
	srv := NewRouter(NewHandler(nil, nil), middleware.NewMiddleware()).Build(":0")
	s := &testServer{srv: srv}
	for _, path := range []string{"/api/audit", "/api/sessions/stats", "/api/policy", "/api/capabilities"} {
		if status, _ := s.do(t, "GET", path, nil, ""); status != 503 {
			t.Errorf("%s: %d", path, status)
		}
	}
	w := ut.PerformRequest(srv.Engine, "GET", "/metrics", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if w.Result().StatusCode() != 200 || !bytes.Contains(w.Result().Body(), []byte("gate_")) {
		t.Errorf("metrics: %d", w.Result().StatusCode())
	}
}

func TestJWTAndRBAC(t *testing.T) {
	s := newTestServer(t, true)

	if status, _ := s.do(t, "POST", "/api/auth/login", map[string]string{"principal_id": "DR_0001", "password": "nope"}, ""); status != 401 {
		t.Errorf("bad password: %d", status)
	}
	if status, _ := s.do(t, "POST", "/api/requests", map[string]string{"text": "access patient PT_0001"}, ""); status != 401 {
		t.Errorf("no token: %d", status)
	}

	clinician := s.login(t, "DR_0001", "pw-dr")
	status, body := s.do(t, "POST", "/api/requests", map[string]string{"text": "access patient PT_0001"}, clinician)
	if status != 200 || body["state"] != string(executor.StateCompleted) {
		t.Fatalf("clinician submit: %d %v", status, body)
	}
	if status, _ = s.do(t, "POST", "/api/requests", map[string]string{"principal_id": "DR_0003", "text": "access patient PT_0001"}, clinician); status != 403 {
		t.Errorf("impersonation via body: %d", status)
	}
	if status, _ = s.do(t, "GET", "/api/audit", nil, clinician); status != 403 {
		t.Errorf("clinician audit view: %d", status)
	}

	auditor := s.login(t, "AUD_01", "pw-aud")
	if status, _ = s.do(t, "GET", "/api/audit", nil, auditor); status != 200 {
		t.Errorf("auditor audit view: %d", status)
	}
	if status, _ = s.do(t, "POST", "/api/policy/reload", nil, auditor); status != 403 {
		t.Errorf("auditor reload: %d", status)
	}

	admin := s.login(t, "ADM_01", "pw-adm")
	if status, _ = s.do(t, "GET", "/api/policy", nil, admin); status != 200 {
		t.Errorf("admin policy: %d", status)
	}
}
