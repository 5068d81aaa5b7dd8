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

package errors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrap(err, "context")
	if wrapped == nil {
		t.Fatal("Wrap(err, msg) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "format %s", "x") != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrapf(err, "id=%s", "a")
	if wrapped == nil {
		t.Fatal("Wrapf(err, ...) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestSentinels(t *testing.T) {
	if !errors.Is(ErrNotFound, ErrNotFound) {
		t.Error("ErrNotFound should be Is ErrNotFound")
	}
	if !errors.Is(ErrInvalidArg, ErrInvalidArg) {
		t.Error("ErrInvalidArg should be Is ErrInvalidArg")
	}
}

func TestError_IsByCode(t *testing.T) {
	err := New(CodePolicyBlock, 2, "consent denied")
	err.RuleID = "consent.denied"
	if !errors.Is(err, ErrPolicyBlock) {
		t.Fatal("policy_block error should match ErrPolicyBlock")
	}
	if errors.Is(err, ErrExecutionFailed) {
		t.Fatal("policy_block error should not match ErrExecutionFailed")
	}
	wrapped := Wrap(err, "run")
	if got := CodeOf(wrapped); got != CodePolicyBlock {
		t.Fatalf("CodeOf = %q, want %q", got, CodePolicyBlock)
	}
	want := "policy_block at step 2 [consent.denied]: consent denied"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestError_UnwrapCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &Error{Code: CodeAuditWriteFailed, StepIndex: 3, Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("should unwrap to cause")
	}
	if !errors.Is(err, ErrAuditWrite) {
		t.Fatal("should match ErrAuditWrite")
	}
	if CodeOf(cause) != CodeNone {
		t.Fatal("plain error should have no code")
	}
}
