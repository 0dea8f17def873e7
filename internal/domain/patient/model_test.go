package patient

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestInputs_Float(t *testing.T) {
	in := Inputs{
		"f":     120.5,
		"i":     80,
		"s":     " 200 ",
		"num":   json.Number("22.5"),
		"bad":   "bad",
		"nan":   math.NaN(),
		"inf":   "Inf",
		"nil":   nil,
		"bool":  true,
		"empty": "",
	}
	tests := []struct {
		name string
		want float64
		ok   bool
	}{
		{"f", 120.5, true},
		{"i", 80, true},
		{"s", 200, true},
		{"num", 22.5, true},
		{"bad", 0, false},
		{"nan", 0, false},
		{"inf", 0, false},
		{"nil", 0, false},
		{"bool", 0, false},
		{"empty", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := in.Float(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Float(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestComputeBMI(t *testing.T) {
	bmi, ok := ComputeBMI(70, 175)
	if !ok || bmi != 22.86 {
		t.Errorf("expected 22.86, got %v (%v)", bmi, ok)
	}
	if _, ok := ComputeBMI(70, 0); ok {
		t.Error("expected zero height to be rejected")
	}
	if _, ok := ComputeBMI(-1, 170); ok {
		t.Error("expected negative weight to be rejected")
	}
}

func TestPatient_MarshalJSON(t *testing.T) {
	p := &Patient{DisplayID: 7, FirstName: "Ana", LastName: "Lima"}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	json.Unmarshal(data, &out)
	if out["display_label"] != "0007" {
		t.Errorf("expected display_label 0007, got %v", out["display_label"])
	}
	if out["firstname"] != "Ana" || out["display_id"] != float64(7) {
		t.Errorf("unexpected body %s", data)
	}
}

func TestSex_Valid(t *testing.T) {
	if !SexMale.Valid() || !SexFemale.Valid() {
		t.Error("expected Male and Female to be valid")
	}
	for _, s := range []Sex{"", "male", "Other"} {
		if s.Valid() {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}

func TestParseLegacyRisk(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		level   RiskLevel
		percent *float64
	}{
		{"nil", nil, RiskUnknown, nil},
		{"label", "Moderate", RiskModerate, nil},
		{"lowercase label", " high ", RiskHigh, nil},
		{"susceptible", "Susceptible", RiskHigh, nil},
		{"not susceptible", "Not Susceptible", RiskLow, nil},
		{"free text positive", "The patient has a chance of Ischemic Heart Disease.", RiskHigh, nil},
		{"free text negative", "The patient has no chance of Ischemic Heart Disease.", RiskLow, nil},
		{"number", 72.5, RiskUnknown, ptr(72.5)},
		{"int", 10, RiskUnknown, ptr(10)},
		{"numeric string", "45", RiskUnknown, ptr(45)},
		{"percent string", "12.5%", RiskUnknown, ptr(12.5)},
		{"json number", json.Number("61"), RiskUnknown, ptr(61)},
		{"object", map[string]any{"level": "Low", "percentage": 81.0}, RiskLow, ptr(81)},
		{"object without level", map[string]any{"percentage": "35"}, RiskUnknown, ptr(35)},
		{"garbage", "maybe", RiskUnknown, nil},
		{"nan", math.NaN(), RiskUnknown, nil},
		{"other type", []int{1}, RiskUnknown, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseLegacyRisk(tt.in)
			if got.Level != tt.level {
				t.Errorf("level = %q, want %q", got.Level, tt.level)
			}
			switch {
			case tt.percent == nil && got.Percentage != nil:
				t.Errorf("expected no percentage, got %v", *got.Percentage)
			case tt.percent != nil && (got.Percentage == nil || *got.Percentage != *tt.percent):
				t.Errorf("percentage = %v, want %v", got.Percentage, *tt.percent)
			}
		})
	}
}

func ptr(f float64) *float64 { return &f }

func TestRiskResult_Known(t *testing.T) {
	if (RiskResult{}).Known() {
		t.Error("empty result must not be known")
	}
	if !NewPercentageRisk(45).Known() {
		t.Error("percentage-only result must be known")
	}
	if got := NewPercentageRisk(45); got.Level != RiskUnknown {
		t.Errorf("percentage-only result must keep an empty level, got %q", got.Level)
	}
	if !(RiskResult{Level: RiskLow}).Known() {
		t.Error("labelled result must be known")
	}
}

func TestMigrate_V2(t *testing.T) {
	orig := &Record{SchemaVersion: SchemaV2, Inputs: Inputs{"Age": 50.0, "BP_Syst": 140.0, "Chol": 230.0, "BMI": 27.1, "Stroke": 1.0}}
	got, err := Migrate(orig)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if got.SchemaVersion != CurrentSchema {
		t.Errorf("expected schema %d, got %d", CurrentSchema, got.SchemaVersion)
	}
	if v, _ := got.Inputs.Float(FieldSystolic); v != 140 {
		t.Errorf("expected systolic 140, got %v", v)
	}
	if v, _ := got.Inputs.Float(FieldCholesterol); v != 230 {
		t.Errorf("expected cholesterol 230, got %v", v)
	}
	if got.Inputs.String(FieldStroke) != "Yes" {
		t.Errorf("expected stroke Yes, got %v", got.Inputs[FieldStroke])
	}
	if _, ok := got.Inputs["BP_Syst"]; ok {
		t.Error("legacy key should be removed")
	}
	if orig.SchemaVersion != SchemaV2 || orig.Inputs["BP_Syst"] != 140.0 {
		t.Error("input record must not be modified")
	}
}

func TestMigrate_V1(t *testing.T) {
	got, err := Migrate(&Record{SchemaVersion: SchemaV1, Inputs: Inputs{"HighBP": 1, "Stroke": 0}})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if got.Inputs.String(FieldStroke) != "No" {
		t.Errorf("expected stroke No, got %v", got.Inputs[FieldStroke])
	}
	if _, ok := got.Inputs.Float(FieldSystolic); ok {
		t.Error("v1 records carry no blood pressure values")
	}
}

func TestMigrate_CurrentIsCopied(t *testing.T) {
	orig := &Record{SchemaVersion: CurrentSchema, Inputs: Inputs{FieldBMI: 20.0}}
	got, err := Migrate(orig)
	if err != nil {
		t.Fatal(err)
	}
	got.Inputs[FieldBMI] = 99.0
	if orig.Inputs[FieldBMI] != 20.0 {
		t.Error("migrated copy must not share inputs with the original")
	}
}

func TestMigrate_Unsupported(t *testing.T) {
	for _, v := range []int{0, 4, -1} {
		if _, err := Migrate(&Record{SchemaVersion: v}); !errors.Is(err, ErrUnsupportedSchema) {
			t.Errorf("version %d: expected ErrUnsupportedSchema, got %v", v, err)
		}
	}
}
