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

// Package clinical 临床目录：医生、患者、同意书与病历，供内置能力读取与追加
package clinical

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrNotFound 目录中无此对象
	ErrNotFound = errors.New("clinical: not found")
	// ErrInvalidID ID 格式不符
	ErrInvalidID = errors.New("clinical: invalid id")
)

var (
	clinicianIDPattern = regexp.MustCompile(ClinicianIDPattern)
	patientIDPattern   = regexp.MustCompile(PatientIDPattern)
)

// ID 格式，供能力 Schema 引用
const (
	ClinicianIDPattern = `^DR_\d{4}$`
	PatientIDPattern   = `^PT_\d{4}$`
)

// ValidClinicianID 是否形如 DR_0001
func ValidClinicianID(id string) bool { return clinicianIDPattern.MatchString(id) }

// ValidPatientID 是否形如 PT_0001
func ValidPatientID(id string) bool { return patientIDPattern.MatchString(id) }

// Clinician 医生
type Clinician struct {
	ID             string `json:"clinician_id"`
	FullName       string `json:"full_name"`
	Specialization string `json:"specialization,omitempty"`
	Department     string `json:"department,omitempty"`
	Active         bool   `json:"active"`
	ClearanceLevel int    `json:"clearance_level,omitempty"`
}

// Patient 患者基本信息
type Patient struct {
	ID          string `json:"patient_id"`
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	BloodType   string `json:"blood_type,omitempty"`
}

// ConsentStatus 同意书状态
type ConsentStatus string

const (
	ConsentActive  ConsentStatus = "active"
	ConsentRevoked ConsentStatus = "revoked"
	ConsentExpired ConsentStatus = "expired"
	ConsentDenied  ConsentStatus = "denied"
)

// Consent 患者对某医生的访问授权
type Consent struct {
	ID          string        `json:"consent_id"`
	PatientID   string        `json:"patient_id"`
	ClinicianID string        `json:"clinician_id"`
	Status      ConsentStatus `json:"status"`
	GrantedAt   time.Time     `json:"granted_date"`
	ExpiresAt   time.Time     `json:"expiry_date"`
	Scope       string        `json:"scope"`
	Purpose     string        `json:"purpose"`
}

// Valid 状态为 active 且 now 落在 [GrantedAt, ExpiresAt) 内
func (c *Consent) Valid(now time.Time) bool {
	if c == nil || c.Status != ConsentActive {
		return false
	}
	if !c.GrantedAt.IsZero() && now.Before(c.GrantedAt) {
		return false
	}
	return now.Before(c.ExpiresAt)
}

// Vitals 生命体征
type Vitals struct {
	BloodPressure string  `json:"blood_pressure"`
	HeartRate     int     `json:"heart_rate"`
	Temperature   float64 `json:"temperature"`
	WeightKg      float64 `json:"weight_kg"`
	HeightCm      int     `json:"height_cm"`
}

// History 病史
type History struct {
	Conditions  []string `json:"conditions"`
	Medications []string `json:"medications"`
	Allergies   []string `json:"allergies"`
}

// Note 病程记录
type Note struct {
	Date        time.Time `json:"date"`
	ClinicianID string    `json:"clinician"`
	Type        string    `json:"note_type"`
	Text        string    `json:"note"`
}

// NoteTypes 允许的记录类型
var NoteTypes = []string{"progress", "consultation", "procedure", "discharge", "general"}

// Record 完整病历
type Record struct {
	Patient   Patient `json:"patient"`
	Vitals    Vitals  `json:"vitals"`
	History   History `json:"medical_history"`
	Notes     []Note  `json:"notes"`
	LastVisit string  `json:"last_visit,omitempty"`
}

// Directory 临床数据源
type Directory interface {
	Clinician(ctx context.Context, id string) (*Clinician, error)
	Patient(ctx context.Context, id string) (*Patient, error)
	// Consent 返回该医患对的同意书；不存在时返回 ErrNotFound
	Consent(ctx context.Context, patientID, clinicianID string) (*Consent, error)
	Record(ctx context.Context, patientID string) (*Record, error)
	AppendNote(ctx context.Context, patientID string, note Note) error
}
