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

package builtin

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"record-gate/internal/capability"
	"record-gate/internal/clinical"
	"record-gate/internal/runtime/auditlog"
)

type verifyCredentials struct{ deps Deps }

func (c *verifyCredentials) Descriptor() capability.Descriptor { return descriptor(VerifyCredentials) }

// Invoke 未知或停用的医生返回 verified=false，由结果校验决定是否中止
func (c *verifyCredentials) Invoke(ctx context.Context, args map[string]any) (capability.Result, error) {
	id := argString(args, "clinician_id")
	cl, err := c.deps.Directory.Clinician(ctx, id)
	if errors.Is(err, clinical.ErrNotFound) {
		return capability.Result{"clinician_id": id, "verified": false, "reason": "unknown clinician"}, nil
	}
	if err != nil {
		return nil, directoryError(VerifyCredentials, err)
	}
	res := capability.Result{
		"clinician_id":    cl.ID,
		"verified":        cl.Active,
		"full_name":       cl.FullName,
		"specialization":  cl.Specialization,
		"department":      cl.Department,
		"clearance_level": cl.ClearanceLevel,
	}
	if !cl.Active {
		res["reason"] = "clinician is not active"
	}
	return res, nil
}

type checkConsent struct{ deps Deps }

func (c *checkConsent) Descriptor() capability.Descriptor { return descriptor(CheckConsent) }

// Invoke 缺失、过期、撤销或拒绝的同意书都返回 consent_granted=false
func (c *checkConsent) Invoke(ctx context.Context, args map[string]any) (capability.Result, error) {
	patientID := argString(args, "patient_id")
	clinicianID := argString(args, "clinician_id")
	consent, err := c.deps.Directory.Consent(ctx, patientID, clinicianID)
	if errors.Is(err, clinical.ErrNotFound) {
		return capability.Result{
			"patient_id":      patientID,
			"clinician_id":    clinicianID,
			"consent_granted": false,
			"consent_status":  "missing",
		}, nil
	}
	if err != nil {
		return nil, directoryError(CheckConsent, err)
	}
	now := c.deps.now()
	status := string(consent.Status)
	if consent.Status == clinical.ConsentActive && !consent.ExpiresAt.IsZero() && !now.Before(consent.ExpiresAt) {
		status = string(clinical.ConsentExpired)
	}
	return capability.Result{
		"patient_id":      patientID,
		"clinician_id":    clinicianID,
		"consent_granted": consent.Valid(now),
		"consent_status":  status,
		"consent_id":      consent.ID,
		"scope":           consent.Scope,
		"purpose":         consent.Purpose,
		"expiry_date":     consent.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}

type fetchRecord struct{ deps Deps }

func (c *fetchRecord) Descriptor() capability.Descriptor { return descriptor(FetchRecord) }

func (c *fetchRecord) Invoke(ctx context.Context, args map[string]any) (capability.Result, error) {
	rec, err := c.deps.Directory.Record(ctx, argString(args, "patient_id"))
	if err != nil {
		return nil, directoryError(FetchRecord, err)
	}
	res, err := toResult(rec)
	if err != nil {
		return nil, capability.Fail(FetchRecord, capability.FailureInternal, err)
	}
	return res, nil
}

type logAccess struct{ deps Deps }

func (c *logAccess) Descriptor() capability.Descriptor { return descriptor(LogAccess) }

// Invoke 写一条 access 记录；写失败即能力失败，不可重试
func (c *logAccess) Invoke(ctx context.Context, args map[string]any) (capability.Result, error) {
	scope := auditlog.ScopeFrom(ctx)
	rec, err := c.deps.Audit.Append(ctx, auditlog.Record{
		RunID:       scope.RunID,
		RequestID:   scope.RequestID,
		SessionID:   scope.SessionID,
		PrincipalID: argString(args, "clinician_id"),
		SubjectID:   argString(args, "patient_id"),
		Kind:        auditlog.KindAccess,
		Event:       auditlog.EventRecordAccessed,
		StepIndex:   scope.StepIndex,
		Capability:  LogAccess,
		Detail:      argString(args, "action"),
	})
	if err != nil {
		return nil, capability.Fail(LogAccess, capability.FailureUnavailable, err)
	}
	return capability.Result{"logged": true, "access_record_id": rec.ID, "access_seq": rec.Seq}, nil
}

type appendRecord struct{ deps Deps }

func (c *appendRecord) Descriptor() capability.Descriptor { return descriptor(AppendRecord) }

func (c *appendRecord) Invoke(ctx context.Context, args map[string]any) (capability.Result, error) {
	text := strings.TrimSpace(argString(args, "note"))
	if text == "" {
		return nil, capability.Fail(AppendRecord, capability.FailureInvalidArg, errors.New("note is empty"))
	}
	noteType := argString(args, "note_type")
	if noteType == "" {
		noteType = "general"
	}
	note := clinical.Note{
		Date:        c.deps.now().UTC(),
		ClinicianID: argString(args, "clinician_id"),
		Type:        noteType,
		Text:        text,
	}
	if err := c.deps.Directory.AppendNote(ctx, argString(args, "patient_id"), note); err != nil {
		return nil, directoryError(AppendRecord, err)
	}
	return capability.Result{
		"appended":  true,
		"note_type": noteType,
		"date":      note.Date.Format(time.RFC3339),
	}, nil
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// TokenTTL 访问令牌有效期
const TokenTTL = time.Hour

type issueToken struct{ deps Deps }

func (c *issueToken) Descriptor() capability.Descriptor { return descriptor(IssueToken) }

// Invoke 令牌格式 HIPAA_<32 位字母数字>_<yyyymmddHHMMSS>
func (c *issueToken) Invoke(ctx context.Context, args map[string]any) (capability.Result, error) {
	id := argString(args, "clinician_id")
	if _, err := c.deps.Directory.Clinician(ctx, id); err != nil {
		return nil, directoryError(IssueToken, err)
	}
	random, err := randomAlnum(32)
	if err != nil {
		return nil, capability.Fail(IssueToken, capability.FailureInternal, err)
	}
	now := c.deps.now().UTC()
	return capability.Result{
		"clinician_id": id,
		"token":        fmt.Sprintf("HIPAA_%s_%s", random, now.Format("20060102150405")),
		"issued_at":    now.Format(time.RFC3339),
		"expires_at":   now.Add(TokenTTL).Format(time.RFC3339),
	}, nil
}

func randomAlnum(n int) (string, error) {
	limit := big.NewInt(int64(len(tokenAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(tokenAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
