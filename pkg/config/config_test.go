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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
api:
  port: 9000
  host: "127.0.0.1"
log:
  level: "debug"
session:
  type: "sqlite"
  path: "/tmp/sessions.db"
  ttl: "30m"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.Session.Type != "sqlite" || cfg.Session.Path != "/tmp/sessions.db" {
		t.Errorf("Session: got %+v", cfg.Session)
	}
	if got := ParseDuration(cfg.Session.TTL, time.Hour); got != 30*time.Minute {
		t.Errorf("Session.TTL: got %v", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(path, []byte("log:\n  format: text\n"), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Policy.MaxCorrections != 2 {
		t.Errorf("Policy.MaxCorrections default: got %d", cfg.Policy.MaxCorrections)
	}
	if cfg.Session.HistoryLimit != 5 {
		t.Errorf("Session.HistoryLimit default: got %d", cfg.Session.HistoryLimit)
	}
	if cfg.Session.Type != "memory" || cfg.Audit.Type != "memory" {
		t.Errorf("store defaults: session=%q audit=%q", cfg.Session.Type, cfg.Audit.Type)
	}
	if cfg.Planner.Type != "rule" {
		t.Errorf("Planner.Type default: got %q", cfg.Planner.Type)
	}
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("GATE_TEST_AUDIT_DSN", "postgres://audit")
	dir := t.TempDir()
	path := filepath.Join(dir, "env.yaml")
	if err := os.WriteFile(path, []byte("audit:\n  type: postgres\n  dsn: \"${GATE_TEST_AUDIT_DSN}\"\n"), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Audit.DSN != "postgres://audit" {
		t.Errorf("Audit.DSN: got %q", cfg.Audit.DSN)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("", time.Second); got != time.Second {
		t.Errorf("empty: got %v", got)
	}
	if got := ParseDuration("bogus", time.Second); got != time.Second {
		t.Errorf("bogus: got %v", got)
	}
	if got := ParseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("250ms: got %v", got)
	}
}
