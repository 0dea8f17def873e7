package patient

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardiorisk/cardiorisk/internal/platform/sequence"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrUnsupportedSchema = errors.New("unsupported record schema version")
	ErrDuplicatePatient  = errors.New("patient already exists")
)

type Sex string

const (
	SexMale   Sex = "Male"
	SexFemale Sex = "Female"
)

func (s Sex) Valid() bool {
	return s == SexMale || s == SexFemale
}

// Patient maps to the patient table. Records is only populated by calls that
// say so (GetPatient, Snapshot).
type Patient struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   string    `json:"owner_id"`
	DisplayID int64     `json:"display_id"`
	FirstName string    `json:"firstname"`
	LastName  string    `json:"lastname"`
	Age       *int      `json:"age,omitempty"`
	Sex       Sex       `json:"sex,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Records   []*Record `json:"records,omitempty"`
}

// DisplayLabel is the zero padded identifier shown to users.
func (p *Patient) DisplayLabel() string {
	return sequence.FormatDisplayID(p.DisplayID)
}

func (p *Patient) MarshalJSON() ([]byte, error) {
	type alias Patient
	return json.Marshal(struct {
		*alias
		DisplayLabel string `json:"display_label"`
	}{(*alias)(p), p.DisplayLabel()})
}

// Canonical input names of the current record schema.
const (
	FieldSystolic    = "blood_pressure_systolic"
	FieldDiastolic   = "blood_pressure_diastolic"
	FieldCholesterol = "cholesterol_level"
	FieldWeight      = "weight"
	FieldHeight      = "height"
	FieldBMI         = "BMI"
	FieldStroke      = "history_of_stroke"
)

// Record schema versions.
//
//	1: binary risk factors (HighBP, HighChol, Smoker, Stroke, Diabetes) with a
//	   Susceptible/Not Susceptible verdict
//	2: model features (Age, BP_Syst, Chol, BMI, Stroke) with a percentage
//	3: canonical vitals keyed by the Field* names
const (
	SchemaV1      = 1
	SchemaV2      = 2
	SchemaV3      = 3
	CurrentSchema = SchemaV3
)

// Record is one saved assessment. Records are immutable once stored.
type Record struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	OwnerID       string     `json:"owner_id"`
	SchemaVersion int        `json:"schema_version"`
	Inputs        Inputs     `json:"inputs"`
	Risk          RiskResult `json:"risk"`
	RecordedAt    *time.Time `json:"recorded_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Inputs is the flat map of named clinical values attached to a Record.
// Values may arrive as JSON numbers or as numeric strings.
type Inputs map[string]any

// Float returns the named value as a finite float64. ok is false for missing,
// non-numeric, NaN or infinite values.
func (in Inputs) Float(name string) (float64, bool) {
	v, present := in[name]
	if !present || v == nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// String returns the named value when it is a string.
func (in Inputs) String(name string) string {
	s, _ := in[name].(string)
	return s
}

func (in Inputs) clone() Inputs {
	out := make(Inputs, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ComputeBMI derives BMI from weight in kilograms and height in centimetres,
// rounded to two decimals. ok is false when either input is not positive.
func ComputeBMI(weightKg, heightCm float64) (float64, bool) {
	if weightKg <= 0 || heightCm <= 0 {
		return 0, false
	}
	m := heightCm / 100
	return math.Round(weightKg/(m*m)*100) / 100, true
}
