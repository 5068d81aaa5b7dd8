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
	"record-gate/internal/capability"
	"record-gate/internal/clinical"
)

var (
	clinicianProp = capability.SchemaProperty{Type: "string", Description: "clinician id, e.g. DR_0001", Pattern: clinical.ClinicianIDPattern}
	patientProp   = capability.SchemaProperty{Type: "string", Description: "patient id, e.g. PT_0001", Pattern: clinical.PatientIDPattern}
)

func object(props map[string]capability.SchemaProperty, required ...string) capability.Schema {
	return capability.Schema{Type: "object", Properties: props, Required: required}
}

var lookupFailures = []capability.FailureMode{capability.FailureNotFound, capability.FailureInvalidArg, capability.FailureUnavailable, capability.FailureTimeout}

// Descriptors 全部内置能力的描述（不依赖任何数据源，供规划与测试使用）
func Descriptors() []capability.Descriptor {
	return []capability.Descriptor{
		{
			Name:         VerifyCredentials,
			Description:  "Verify that a clinician exists and is active.",
			Schema:       object(map[string]capability.SchemaProperty{"clinician_id": clinicianProp}, "clinician_id"),
			SideEffect:   capability.ReadOnly,
			Retryable:    true,
			FailureModes: lookupFailures,
		},
		{
			Name:        CheckConsent,
			Description: "Check whether the patient has an active consent for the clinician.",
			Schema: object(map[string]capability.SchemaProperty{
				"patient_id":   patientProp,
				"clinician_id": clinicianProp,
			}, "patient_id", "clinician_id"),
			SideEffect:   capability.ReadOnly,
			Retryable:    true,
			FailureModes: lookupFailures,
		},
		{
			Name:         FetchRecord,
			Description:  "Fetch the full medical record of a patient.",
			Schema:       object(map[string]capability.SchemaProperty{"patient_id": patientProp}, "patient_id"),
			SideEffect:   capability.ReadOnly,
			Retryable:    true,
			FailureModes: lookupFailures,
		},
		{
			Name:        LogAccess,
			Description: "Write an access entry for the patient record to the audit log.",
			Schema: object(map[string]capability.SchemaProperty{
				"clinician_id": clinicianProp,
				"patient_id":   patientProp,
				"action":       {Type: "string", Description: "what was done, usually the capability name"},
			}, "clinician_id", "patient_id", "action"),
			SideEffect:   capability.Mutating,
			FailureModes: []capability.FailureMode{capability.FailureUnavailable},
		},
		{
			Name:        AppendRecord,
			Description: "Append a clinical note to the patient record.",
			Schema: object(map[string]capability.SchemaProperty{
				"patient_id":   patientProp,
				"clinician_id": clinicianProp,
				"note":         {Type: "string", Description: "note text"},
				"note_type":    {Type: "string", Enum: clinical.NoteTypes},
			}, "patient_id", "clinician_id", "note"),
			SideEffect:   capability.Mutating,
			FailureModes: []capability.FailureMode{capability.FailureNotFound, capability.FailureInvalidArg, capability.FailureUnavailable},
		},
		{
			Name:        Render,
			Description: "Render the patient record as a text or PDF report.",
			Schema: object(map[string]capability.SchemaProperty{
				"patient_id": patientProp,
				"format":     {Type: "string", Enum: []string{"text", "pdf"}},
			}, "patient_id"),
			SideEffect:   capability.ReadOnly,
			FailureModes: []capability.FailureMode{capability.FailureNotFound, capability.FailureInternal},
		},
		{
			Name:        Summarize,
			Description: "Summarize the patient record.",
			Schema: object(map[string]capability.SchemaProperty{
				"patient_id":   patientProp,
				"summary_type": {Type: "string", Enum: SummaryTypes},
			}, "patient_id"),
			SideEffect:   capability.ReadOnly,
			Retryable:    true,
			FailureModes: lookupFailures,
		},
		{
			Name:         IssueToken,
			Description:  "Issue a short-lived access token for the clinician.",
			Schema:       object(map[string]capability.SchemaProperty{"clinician_id": clinicianProp}, "clinician_id"),
			SideEffect:   capability.ReadOnly,
			Retryable:    true,
			FailureModes: []capability.FailureMode{capability.FailureNotFound, capability.FailureUnavailable},
		},
	}
}

func descriptor(name string) capability.Descriptor {
	for _, d := range Descriptors() {
		if d.Name == name {
			return d
		}
	}
	panic("builtin: unknown capability " + name)
}
