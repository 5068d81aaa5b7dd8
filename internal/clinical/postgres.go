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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const directorySchema = `
CREATE TABLE IF NOT EXISTS gate_clinicians (
	id              TEXT PRIMARY KEY,
	full_name       TEXT NOT NULL,
	specialization  TEXT NOT NULL DEFAULT '',
	department      TEXT NOT NULL DEFAULT '',
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	clearance_level INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS gate_patients (
	id            TEXT PRIMARY KEY,
	full_name     TEXT NOT NULL,
	date_of_birth TEXT NOT NULL DEFAULT '',
	gender        TEXT NOT NULL DEFAULT '',
	blood_type    TEXT NOT NULL DEFAULT '',
	vitals        JSONB NOT NULL DEFAULT '{}',
	history       JSONB NOT NULL DEFAULT '{}',
	last_visit    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS gate_consents (
	id           TEXT PRIMARY KEY,
	patient_id   TEXT NOT NULL REFERENCES gate_patients(id),
	clinician_id TEXT NOT NULL REFERENCES gate_clinicians(id),
	status       TEXT NOT NULL,
	granted_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	scope        TEXT NOT NULL DEFAULT '',
	purpose      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS gate_consents_pair ON gate_consents (patient_id, clinician_id, granted_at DESC);
CREATE TABLE IF NOT EXISTS gate_notes (
	id           BIGSERIAL PRIMARY KEY,
	patient_id   TEXT NOT NULL REFERENCES gate_patients(id),
	clinician_id TEXT NOT NULL,
	note_type    TEXT NOT NULL,
	note         TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
`

// PostgresDirectory PostgreSQL 临床目录
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory 连接并建表
func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, directorySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("clinical: create schema: %w", err)
	}
	return &PostgresDirectory{pool: pool}, nil
}

// Close 关闭连接池
func (d *PostgresDirectory) Close() {
	d.pool.Close()
}

func (d *PostgresDirectory) Clinician(ctx context.Context, id string) (*Clinician, error) {
	var c Clinician
	err := d.pool.QueryRow(ctx,
		`SELECT id, full_name, specialization, department, active, clearance_level FROM gate_clinicians WHERE id = $1`, id).
		Scan(&c.ID, &c.FullName, &c.Specialization, &c.Department, &c.Active, &c.ClearanceLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: clinician %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *PostgresDirectory) Patient(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	err := d.pool.QueryRow(ctx,
		`SELECT id, full_name, date_of_birth, gender, blood_type FROM gate_patients WHERE id = $1`, id).
		Scan(&p.ID, &p.FullName, &p.DateOfBirth, &p.Gender, &p.BloodType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: patient %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Consent 返回该医患对最近授予的同意书
func (d *PostgresDirectory) Consent(ctx context.Context, patientID, clinicianID string) (*Consent, error) {
	var c Consent
	var status string
	err := d.pool.QueryRow(ctx,
		`SELECT id, patient_id, clinician_id, status, granted_at, expires_at, scope, purpose
		 FROM gate_consents WHERE patient_id = $1 AND clinician_id = $2
		 ORDER BY granted_at DESC LIMIT 1`, patientID, clinicianID).
		Scan(&c.ID, &c.PatientID, &c.ClinicianID, &status, &c.GrantedAt, &c.ExpiresAt, &c.Scope, &c.Purpose)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: consent %s/%s", ErrNotFound, patientID, clinicianID)
	}
	if err != nil {
		return nil, err
	}
	c.Status = ConsentStatus(status)
	return &c, nil
}

func (d *PostgresDirectory) Record(ctx context.Context, patientID string) (*Record, error) {
	var r Record
	var vitals, history []byte
	err := d.pool.QueryRow(ctx,
		`SELECT id, full_name, date_of_birth, gender, blood_type, vitals, history, last_visit FROM gate_patients WHERE id = $1`, patientID).
		Scan(&r.Patient.ID, &r.Patient.FullName, &r.Patient.DateOfBirth, &r.Patient.Gender, &r.Patient.BloodType, &vitals, &history, &r.LastVisit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, patientID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vitals, &r.Vitals); err != nil {
		return nil, fmt.Errorf("clinical: decode vitals: %w", err)
	}
	if err := json.Unmarshal(history, &r.History); err != nil {
		return nil, fmt.Errorf("clinical: decode history: %w", err)
	}

	rows, err := d.pool.Query(ctx,
		`SELECT clinician_id, note_type, note, created_at FROM gate_notes WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ClinicianID, &n.Type, &n.Text, &n.Date); err != nil {
			return nil, err
		}
		r.Notes = append(r.Notes, n)
	}
	return &r, rows.Err()
}

func (d *PostgresDirectory) AppendNote(ctx context.Context, patientID string, note Note) error {
	tag, err := d.pool.Exec(ctx,
		`INSERT INTO gate_notes (patient_id, clinician_id, note_type, note, created_at)
		 SELECT id, $2, $3, $4, $5 FROM gate_patients WHERE id = $1`,
		patientID, note.ClinicianID, note.Type, note.Text, note.Date)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: record %s", ErrNotFound, patientID)
	}
	return nil
}

// Seed 将内存目录的数据写入数据库（已存在则跳过），用于初始化演示环境
func (d *PostgresDirectory) Seed(ctx context.Context, src *MemoryDirectory) error {
	src.mu.RLock()
	defer src.mu.RUnlock()

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, c := range src.clinicians {
		if _, err := tx.Exec(ctx,
			`INSERT INTO gate_clinicians (id, full_name, specialization, department, active, clearance_level)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			c.ID, c.FullName, c.Specialization, c.Department, c.Active, c.ClearanceLevel); err != nil {
			return err
		}
	}
	for _, r := range src.records {
		vitals, _ := json.Marshal(r.Vitals)
		history, _ := json.Marshal(r.History)
		if _, err := tx.Exec(ctx,
			`INSERT INTO gate_patients (id, full_name, date_of_birth, gender, blood_type, vitals, history, last_visit)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
			r.Patient.ID, r.Patient.FullName, r.Patient.DateOfBirth, r.Patient.Gender, r.Patient.BloodType, vitals, history, r.LastVisit); err != nil {
			return err
		}
	}
	for _, c := range src.consents {
		if _, err := tx.Exec(ctx,
			`INSERT INTO gate_consents (id, patient_id, clinician_id, status, granted_at, expires_at, scope, purpose)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
			c.ID, c.PatientID, c.ClinicianID, string(c.Status), c.GrantedAt, c.ExpiresAt, c.Scope, c.Purpose); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
