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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/creator"
	"github.com/unidoc/unipdf/v3/model"

	"record-gate/internal/capability"
	"record-gate/internal/clinical"
)

// SetPDFLicense 设置 unipdf 计量许可；未设置时 PDF 渲染可能失败并回退为文本
func SetPDFLicense(key string) error {
	if key == "" {
		return nil
	}
	return license.SetMeteredKey(key)
}

type render struct{ deps Deps }

func (c *render) Descriptor() capability.Descriptor { return descriptor(Render) }

// Invoke 生成文本或 PDF 报告；PDF 生成失败时回退为文本并注明原因
func (c *render) Invoke(ctx context.Context, args map[string]any) (capability.Result, error) {
	rec, err := c.deps.Directory.Record(ctx, argString(args, "patient_id"))
	if err != nil {
		return nil, directoryError(Render, err)
	}
	text := RenderText(rec)
	if argString(args, "format") != "pdf" {
		return capability.Result{"patient_id": rec.Patient.ID, "format": "text", "content": text}, nil
	}
	pdf, err := RenderPDF(rec)
	if err != nil {
		return capability.Result{
			"patient_id":      rec.Patient.ID,
			"format":          "text",
			"content":         text,
			"fallback_reason": err.Error(),
		}, nil
	}
	return capability.Result{
		"patient_id":     rec.Patient.ID,
		"format":         "pdf",
		"content_base64": base64.StdEncoding.EncodeToString(pdf),
		"size":           len(pdf),
	}, nil
}

type section struct {
	title string
	lines []string
}

func reportSections(rec *clinical.Record) []section {
	p, v, h := rec.Patient, rec.Vitals, rec.History
	notes := make([]string, 0, len(rec.Notes))
	for _, n := range rec.Notes {
		notes = append(notes, fmt.Sprintf("%s  %-12s %s  %s", n.Date.Format("2006-01-02"), n.Type, n.ClinicianID, n.Text))
	}
	if len(notes) == 0 {
		notes = append(notes, "No notes on file.")
	}
	return []section{
		{"Patient", []string{
			"ID: " + p.ID,
			"Name: " + p.FullName,
			"Date of birth: " + p.DateOfBirth,
			"Gender: " + p.Gender,
			"Blood type: " + p.BloodType,
			"Last visit: " + rec.LastVisit,
		}},
		{"Vitals", []string{
			"Blood pressure: " + v.BloodPressure,
			fmt.Sprintf("Heart rate: %d bpm", v.HeartRate),
			fmt.Sprintf("Temperature: %.1f C", v.Temperature),
			fmt.Sprintf("Weight: %.1f kg", v.WeightKg),
			fmt.Sprintf("Height: %d cm", v.HeightCm),
		}},
		{"Medical history", []string{
			"Conditions: " + joinOrNone(h.Conditions),
			"Medications: " + joinOrNone(h.Medications),
			"Allergies: " + joinOrNone(h.Allergies),
		}},
		{"Notes", notes},
	}
}

// RenderText 纯文本报告
func RenderText(rec *clinical.Record) string {
	var b strings.Builder
	b.WriteString("MEDICAL RECORD REPORT\n")
	for _, s := range reportSections(rec) {
		b.WriteString("\n" + strings.ToUpper(s.title) + "\n")
		for _, line := range s.lines {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}

// RenderPDF 用 unipdf creator 生成 PDF 报告
func RenderPDF(rec *clinical.Record) ([]byte, error) {
	bold, err := model.NewStandard14Font(model.HelveticaBoldName)
	if err != nil {
		return nil, fmt.Errorf("load font: %w", err)
	}
	regular, err := model.NewStandard14Font(model.HelveticaName)
	if err != nil {
		return nil, fmt.Errorf("load font: %w", err)
	}

	c := creator.New()
	c.NewPage()

	title := c.NewParagraph("Medical Record Report")
	title.SetFont(bold)
	title.SetFontSize(18)
	title.SetMargins(0, 0, 0, 12)
	if err := c.Draw(title); err != nil {
		return nil, fmt.Errorf("draw title: %w", err)
	}

	for _, s := range reportSections(rec) {
		heading := c.NewParagraph(s.title)
		heading.SetFont(bold)
		heading.SetFontSize(13)
		heading.SetMargins(0, 0, 10, 4)
		if err := c.Draw(heading); err != nil {
			return nil, fmt.Errorf("draw %s: %w", s.title, err)
		}
		for _, line := range s.lines {
			p := c.NewParagraph(line)
			p.SetFont(regular)
			p.SetFontSize(10)
			if err := c.Draw(p); err != nil {
				return nil, fmt.Errorf("draw %s: %w", s.title, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
