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
	"encoding/json"
	"strings"
	"testing"

	"record-gate/pkg/config"
)

func TestRedaction_RedactMode(t *testing.T) {
	engine := NewEngine(&Policy{
		KindRules: map[string][]FieldMask{
			"step": {{FieldPath: "result.content", Mode: ModeRedact}},
		},
	})

	input := []byte(`{"result":{"content":"blood pressure 120/80","format":"text"},"capability":"fetch_record"}`)
	output, err := engine.RedactData("step", input)
	if err != nil {
		t.Fatalf("redaction failed: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(output, &result); err != nil {
		t.Fatal(err)
	}
	inner := result["result"].(map[string]interface{})
	if inner["content"] != "***REDACTED***" {
		t.Errorf("content should be redacted, got: %v", inner["content"])
	}
	if inner["format"] != "text" {
		t.Error("format should not be redacted")
	}
}

func TestRedaction_KindScoped(t *testing.T) {
	engine := NewEngine(&Policy{
		KindRules: map[string][]FieldMask{
			"step": {{FieldPath: "subject_id", Mode: ModeRemove}},
		},
	})

	out, err := engine.RedactData("plan", []byte(`{"subject_id":"PT_0001"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "PT_0001") {
		t.Errorf("rules for step must not touch plan records: %s", out)
	}
}

func TestRedaction_HashMode(t *testing.T) {
	engine := NewEngine(&Policy{
		GlobalRules: []FieldMask{{FieldPath: "subject_id", Mode: ModeHash, Salt: "s"}},
	})

	obj := map[string]interface{}{"subject_id": "PT_0001", "principal_id": "DR_0001"}
	engine.RedactMap("outcome", obj)

	h, ok := obj["subject_id"].(string)
	if !ok || !strings.HasPrefix(h, "hash:") {
		t.Errorf("subject_id should be hashed, got: %v", obj["subject_id"])
	}
	if obj["principal_id"] != "DR_0001" {
		t.Error("principal_id should be untouched")
	}

	again := map[string]interface{}{"subject_id": "PT_0001"}
	engine.RedactMap("step", again)
	if again["subject_id"] != h {
		t.Error("hash must be stable for equal input and salt")
	}
}

func TestRedaction_MissingPathIsNoop(t *testing.T) {
	engine := NewEngine(&Policy{
		GlobalRules: []FieldMask{{FieldPath: "a.b.c", Mode: ModeRemove}},
	})
	obj := map[string]interface{}{"a": "scalar"}
	engine.RedactMap("step", obj)
	if obj["a"] != "scalar" {
		t.Errorf("unexpected mutation: %v", obj)
	}
}

func TestFromConfig(t *testing.T) {
	if FromConfig(config.RedactionConfig{Enable: false}) != nil {
		t.Fatal("disabled config should yield nil policy")
	}

	p := FromConfig(config.RedactionConfig{
		Enable: true,
		Salt:   "pepper",
		Fields: []config.RedactionFieldRule{
			{Path: "step:result.content", Mode: "redact"},
			{Path: "subject_id", Mode: "hash"},
			{Path: "args.note", Mode: "bogus"},
		},
	})
	if len(p.KindRules["step"]) != 1 || p.KindRules["step"][0].FieldPath != "result.content" {
		t.Errorf("kind rules = %+v", p.KindRules)
	}
	if len(p.GlobalRules) != 2 {
		t.Fatalf("global rules = %+v", p.GlobalRules)
	}
	if p.GlobalRules[0].Salt != "pepper" {
		t.Error("salt should be propagated")
	}
	if p.GlobalRules[1].Mode != ModeRedact {
		t.Error("unknown mode should fall back to redact")
	}

	if NewEngine(nil).Enabled() {
		t.Error("nil policy engine should be disabled")
	}
}
