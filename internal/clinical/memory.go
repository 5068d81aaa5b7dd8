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

package clinical

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryDirectory 内存目录
type MemoryDirectory struct {
	mu         sync.RWMutex
	clinicians map[string]Clinician
	consents   map[string]Consent // key: patientID + "/" + clinicianID
	records    map[string]*Record
}

// NewMemoryDirectory 创建空目录
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		clinicians: make(map[string]Clinician),
		consents:   make(map[string]Consent),
		records:    make(map[string]*Record),
	}
}

// NewSeededDirectory 创建带示例数据的目录：
// DR_0001 在职、DR_0002 停用；PT_0001 对 DR_0001 有效授权，PT_0002 拒绝，PT_0003 已过期
func NewSeededDirectory(now time.Time) *MemoryDirectory {
	d := NewMemoryDirectory()
	d.PutClinician(Clinician{ID: "DR_0001", FullName: "Dr. Maria Garcia", Specialization: "Cardiology", Department: "Internal Medicine", Active: true, ClearanceLevel: 4})
	d.PutClinician(Clinician{ID: "DR_0002", FullName: "Dr. James Wilson", Specialization: "Oncology", Department: "Oncology", Active: false, ClearanceLevel: 2})
	d.PutClinician(Clinician{ID: "DR_0003", FullName: "Dr. Linda Park", Specialization: "Pediatrics", Department: "Pediatrics", Active: true, ClearanceLevel: 3})

	d.PutRecord(Record{
		Patient: Patient{ID: "PT_0001", FullName: "John Smith", DateOfBirth: "1968-04-12", Gender: "Male", BloodType: "A+"},
		Vitals:  Vitals{BloodPressure: "128/82", HeartRate: 72, Temperature: 98.4, WeightKg: 84.2, HeightCm: 178},
		History: History{Conditions: []string{"Hypertension"}, Medications: []string{"Lisinopril"}, Allergies: []string{"Penicillin"}},
		Notes: []Note{{
			Date: now.AddDate(0, -3, 0), ClinicianID: "DR_0001", Type: "progress",
			Text: "Routine checkup. Patient reports feeling well. Follow-up in 6 months.",
		}},
		LastVisit: now.AddDate(0, -3, 0).Format("2006-01-02"),
	})
	d.PutRecord(Record{
		Patient: Patient{ID: "PT_0002", FullName: "Emily Johnson", DateOfBirth: "1985-09-30", Gender: "Female", BloodType: "O-"},
		Vitals:  Vitals{BloodPressure: "116/74", HeartRate: 66, Temperature: 98.1, WeightKg: 61.5, HeightCm: 165},
		History: History{Conditions: []string{"Asthma"}, Medications: []string{"Albuterol"}, Allergies: []string{"None"}},
	})
	d.PutRecord(Record{
		Patient: Patient{ID: "PT_0003", FullName: "Robert Brown", DateOfBirth: "1952-01-05", Gender: "Male", BloodType: "B+"},
		Vitals:  Vitals{BloodPressure: "138/88", HeartRate: 80, Temperature: 98.7, WeightKg: 92.0, HeightCm: 175},
		History: History{Conditions: []string{"Type 2 Diabetes"}, Medications: []string{"Metformin"}, Allergies: []string{"Latex"}},
	})

	d.PutConsent(Consent{ID: "CNS_0001", PatientID: "PT_0001", ClinicianID: "DR_0001", Status: ConsentActive,
		GrantedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.AddDate(1, 0, 0), Scope: "full_access", Purpose: "Ongoing treatment"})
	d.PutConsent(Consent{ID: "CNS_0002", PatientID: "PT_0002", ClinicianID: "DR_0001", Status: ConsentDenied,
		GrantedAt: now.AddDate(0, -6, 0), ExpiresAt: now.AddDate(0, 6, 0), Scope: "full_access", Purpose: "Second opinion"})
	d.PutConsent(Consent{ID: "CNS_0003", PatientID: "PT_0003", ClinicianID: "DR_0001", Status: ConsentActive,
		GrantedAt: now.AddDate(-2, 0, 0), ExpiresAt: now.AddDate(0, -1, 0), Scope: "emergency_only", Purpose: "Emergency care"})
	d.PutConsent(Consent{ID: "CNS_0004", PatientID: "PT_0001", ClinicianID: "DR_0003", Status: ConsentRevoked,
		GrantedAt: now.AddDate(-1, 0, 0), ExpiresAt: now.AddDate(0, 1, 0), Scope: "consultation_only", Purpose: "Consultation"})
	return d
}

func consentKey(patientID, clinicianID string) string { return patientID + "/" + clinicianID }

// PutClinician 写入医生
func (d *MemoryDirectory) PutClinician(c Clinician) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clinicians[c.ID] = c
}

// PutRecord 写入病历
func (d *MemoryDirectory) PutRecord(r Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := cloneRecord(&r)
	d.records[r.Patient.ID] = cp
}

// PutConsent 写入同意书
func (d *MemoryDirectory) PutConsent(c Consent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consents[consentKey(c.PatientID, c.ClinicianID)] = c
}

func (d *MemoryDirectory) Clinician(ctx context.Context, id string) (*Clinician, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clinicians[id]
	if !ok {
		return nil, fmt.Errorf("%w: clinician %s", ErrNotFound, id)
	}
	return &c, nil
}

func (d *MemoryDirectory) Patient(ctx context.Context, id string) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: patient %s", ErrNotFound, id)
	}
	p := r.Patient
	return &p, nil
}

func (d *MemoryDirectory) Consent(ctx context.Context, patientID, clinicianID string) (*Consent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.consents[consentKey(patientID, clinicianID)]
	if !ok {
		return nil, fmt.Errorf("%w: consent %s/%s", ErrNotFound, patientID, clinicianID)
	}
	return &c, nil
}

func (d *MemoryDirectory) Record(ctx context.Context, patientID string) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[patientID]
	if !ok {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, patientID)
	}
	return cloneRecord(r), nil
}

func (d *MemoryDirectory) AppendNote(ctx context.Context, patientID string, note Note) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[patientID]
	if !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, patientID)
	}
	r.Notes = append(r.Notes, note)
	return nil
}

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.Notes = slices.Clone(r.Notes)
	cp.History.Conditions = slices.Clone(r.History.Conditions)
	cp.History.Medications = slices.Clone(r.History.Medications)
	cp.History.Allergies = slices.Clone(r.History.Allergies)
	return &cp
}
