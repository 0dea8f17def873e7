package analytics

import (
	"errors"
	"testing"
	"time"

	"github.com/cardiorisk/cardiorisk/internal/domain/patient"
)

func TestDecodeSnapshot_Rejects(t *testing.T) {
	for _, in := range []string{``, `null`, `{}`, `"x"`, `[1]`, `[{"firstname":"A"}, null]`, `[{`} {
		if _, err := DecodeSnapshot([]byte(in)); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%q: expected ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestDecodeSnapshot_Empty(t *testing.T) {
	p, err := DecodeSnapshot([]byte(`[]`))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(p) != 0 {
		t.Errorf("expected no patients, got %d", len(p))
	}
}

func TestDecodeSnapshot_CurrentShape(t *testing.T) {
	data := `[{
		"id": "6f1c1a52-0d0c-4a53-9e0e-0d8f3a1b2c3d",
		"display_id": 12,
		"firstname": "Ana",
		"lastname": "Lima",
		"age": "54.9",
		"sex": "Female",
		"records": [{
			"schema_version": 3,
			"inputs": {"BMI": 22.5, "blood_pressure_systolic": "120"},
			"risk": {"level": "Moderate", "percentage": 41},
			"recorded_at": "2024-02-10T08:30:00Z"
		}]
	}]`
	patients, err := DecodeSnapshot([]byte(data))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(patients) != 1 {
		t.Fatalf("expected 1 patient, got %d", len(patients))
	}

	p := patients[0]
	if p.ID.String() != "6f1c1a52-0d0c-4a53-9e0e-0d8f3a1b2c3d" || p.DisplayID != 12 {
		t.Errorf("unexpected identity %s / %d", p.ID, p.DisplayID)
	}
	if p.Age == nil || *p.Age != 54 {
		t.Errorf("expected floored age 54, got %v", p.Age)
	}
	if p.Sex != patient.SexFemale {
		t.Errorf("expected Female, got %q", p.Sex)
	}

	if len(p.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(p.Records))
	}
	r := p.Records[0]
	if r.SchemaVersion != patient.SchemaV3 {
		t.Errorf("expected schema 3, got %d", r.SchemaVersion)
	}
	if bmi, ok := r.Inputs.Float(patient.FieldBMI); !ok || bmi != 22.5 {
		t.Errorf("expected BMI 22.5, got %v (%v)", bmi, ok)
	}
	if r.Risk.Level != patient.RiskModerate || r.Risk.Percentage == nil || *r.Risk.Percentage != 41 {
		t.Errorf("unexpected risk %+v", r.Risk)
	}
	if r.RecordedAt == nil || !r.RecordedAt.Equal(time.Date(2024, 2, 10, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected recorded_at %v", r.RecordedAt)
	}
}

func TestDecodeSnapshot_LegacyFlatRecords(t *testing.T) {
	data := `[{
		"firstname": "Rui",
		"lastname": "Costa",
		"age": "unknown",
		"sex": "M",
		"userid": "user-1",
		"records": [
			{"HighBP": 1, "Stroke": 1, "risk_result": "Susceptible", "timestamp": {"_seconds": 1706745600, "_nanoseconds": 0}},
			{"Age": 61, "BP_Syst": 150, "Chol": 230, "BMI": "bad", "Stroke": 0, "risk_percentage": 72.5, "timestamp": 1709251200000},
			{"schema_version": 7, "BMI": 20},
			"garbage"
		]
	}]`
	patients, err := DecodeSnapshot([]byte(data))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	p := patients[0]

	if p.Age != nil {
		t.Errorf("expected no age, got %d", *p.Age)
	}
	if p.Sex != patient.Sex("M") || p.OwnerID != "user-1" {
		t.Errorf("unexpected sex %q or owner %q", p.Sex, p.OwnerID)
	}
	if len(p.Records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(p.Records))
	}

	v1 := p.Records[0]
	if v1.SchemaVersion != patient.SchemaV1 || v1.Risk.Level != patient.RiskHigh {
		t.Errorf("unexpected v1 record %+v", v1)
	}
	if _, ok := v1.Inputs["risk_result"]; ok {
		t.Error("risk_result must not leak into inputs")
	}
	if v1.RecordedAt == nil || v1.RecordedAt.Unix() != 1706745600 {
		t.Errorf("unexpected v1 timestamp %v", v1.RecordedAt)
	}

	v2 := p.Records[1]
	if v2.SchemaVersion != patient.SchemaV2 {
		t.Errorf("expected schema 2, got %d", v2.SchemaVersion)
	}
	if v2.Risk.Level != patient.RiskUnknown || v2.Risk.Percentage == nil || *v2.Risk.Percentage != 72.5 {
		t.Errorf("expected numeric-only risk 72.5, got %+v", v2.Risk)
	}
	if v2.RecordedAt.Format(time.DateOnly) != "2024-03-01" {
		t.Errorf("unexpected v2 timestamp %v", v2.RecordedAt)
	}

	if p.Records[2].SchemaVersion != 7 {
		t.Errorf("expected unknown schema 7 kept, got %d", p.Records[2].SchemaVersion)
	}
	if p.Records[3] != nil {
		t.Error("expected non-object record to decode as nil")
	}

	r := mustAggregate(t, patients, Options{})
	if r.SkippedRecords != 2 || r.Summary.TotalRecords != 2 {
		t.Errorf("expected 2 skipped and 2 counted, got %d and %d", r.SkippedRecords, r.Summary.TotalRecords)
	}
	if r.BMI.Mean.Count != 0 {
		t.Error("malformed BMI must be excluded")
	}
	if r.Summary.StrokeRate != 50 {
		t.Errorf("expected stroke rate 50, got %v", r.Summary.StrokeRate)
	}
	expectBuckets(t, "sex", r.Sex, []Bucket{{"Male", 0}, {"Female", 0}})
	expectBuckets(t, "risk", r.Risk.Distribution, []Bucket{{"Low", 0}, {"Moderate", 0}, {"High", 1}})
	expectPoints(t, "month", r.Series.Month, []Point{{"2/2024", 1}, {"3/2024", 1}})
}

func TestDecodeSnapshot_NumericOnlyRisk(t *testing.T) {
	data := `[{
		"firstname": "Ana",
		"lastname": "Lima",
		"records": [
			{"schema_version": 3, "inputs": {}, "risk": {"percentage": 45}},
			{"BP_Syst": 130, "Chol": 200, "BMI": 24, "Stroke": 0, "risk_percentage": "72"}
		]
	}]`
	patients, err := DecodeSnapshot([]byte(data))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	r := mustAggregate(t, patients, Options{})
	expectBuckets(t, "risk", r.Risk.Distribution, []Bucket{{"Low", 0}, {"Moderate", 0}, {"High", 0}})
	if r.Risk.MeanPercentage != (Mean{Value: 58.5, Count: 2}) {
		t.Errorf("expected mean 58.5 over 2, got %+v", r.Risk.MeanPercentage)
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, in := range []any{nil, "yesterday", map[string]any{"nanos": 1}} {
		if got := parseTimestamp(in); got != nil {
			t.Errorf("parseTimestamp(%v) = %v, want nil", in, got)
		}
	}

	d := parseTimestamp("2024-01-31")
	if d == nil || !d.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected date %v", d)
	}
}
