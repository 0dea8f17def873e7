package analytics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardiorisk/cardiorisk/internal/domain/patient"
)

// recordMeta lists the keys of a flat legacy record that are not clinical
// inputs.
var recordMeta = map[string]bool{
	"id":              true,
	"patient_id":      true,
	"owner_id":        true,
	"userid":          true,
	"schema_version":  true,
	"risk":            true,
	"risk_result":     true,
	"risk_percentage": true,
	"prediction":      true,
	"percentage":      true,
	"timestamp":       true,
	"recorded_at":     true,
	"created_at":      true,
}

// DecodeSnapshot parses an untyped snapshot: a JSON array of patient objects,
// each optionally carrying a records array. Records may use the current
// shape ({"inputs": {...}, "risk": ...}) or the flat legacy document shape
// with risk_result/risk_percentage and a timestamp. Field values that do not
// parse are kept as given so Aggregate can exclude them.
func DecodeSnapshot(data []byte) ([]*patient.Patient, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: snapshot must be a JSON array: %v", ErrInvalidInput, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: snapshot must be a JSON array", ErrInvalidInput)
	}

	out := make([]*patient.Patient, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: patient at index %d is not an object", ErrInvalidInput, i)
		}
		out = append(out, decodePatient(obj))
	}
	return out, nil
}

func decodePatient(obj map[string]any) *patient.Patient {
	p := &patient.Patient{
		FirstName: str(obj["firstname"]),
		LastName:  str(obj["lastname"]),
		Sex:       patient.Sex(str(obj["sex"])),
		OwnerID:   str(lookup(obj, "owner_id", "userid")),
	}
	if id, err := uuid.Parse(str(obj["id"])); err == nil {
		p.ID = id
	}
	if n, ok := number(obj["display_id"]); ok {
		p.DisplayID = int64(n)
	}
	if age, ok := number(obj["age"]); ok {
		a := int(math.Floor(age))
		p.Age = &a
	}
	if ts := parseTimestamp(lookup(obj, "created_at", "createdAt")); ts != nil {
		p.CreatedAt = *ts
	}

	records, _ := obj["records"].([]any)
	for _, item := range records {
		rec, ok := item.(map[string]any)
		if !ok {
			// Kept so Aggregate reports it as skipped.
			p.Records = append(p.Records, nil)
			continue
		}
		p.Records = append(p.Records, decodeRecord(rec))
	}
	return p
}

func decodeRecord(obj map[string]any) *patient.Record {
	r := &patient.Record{}
	if id, err := uuid.Parse(str(obj["id"])); err == nil {
		r.ID = id
	}

	if in, ok := obj["inputs"].(map[string]any); ok {
		r.Inputs = patient.Inputs(in)
	} else {
		r.Inputs = patient.Inputs{}
		for k, v := range obj {
			if !recordMeta[k] {
				r.Inputs[k] = v
			}
		}
	}

	if v, present := obj["schema_version"]; present {
		if n, ok := number(v); ok && n == math.Trunc(n) {
			r.SchemaVersion = int(n)
		}
	} else {
		r.SchemaVersion = inferSchema(r.Inputs)
	}

	if v, present := obj["risk"]; present {
		r.Risk = patient.ParseLegacyRisk(v)
	} else {
		legacy := map[string]any{}
		if v := lookup(obj, "risk_result", "prediction"); v != nil {
			legacy["level"] = v
		}
		if v := lookup(obj, "risk_percentage", "percentage"); v != nil {
			legacy["percentage"] = v
		}
		r.Risk = patient.ParseLegacyRisk(legacy)
	}

	r.RecordedAt = parseTimestamp(lookup(obj, "recorded_at", "timestamp"))
	return r
}

// inferSchema guesses the version of a record stored before versions were
// written.
func inferSchema(in patient.Inputs) int {
	switch {
	case has(in, patient.FieldSystolic):
		return patient.SchemaV3
	case has(in, "BP_Syst"):
		return patient.SchemaV2
	case has(in, "HighBP"):
		return patient.SchemaV1
	}
	return patient.CurrentSchema
}

func has(in patient.Inputs, key string) bool {
	_, ok := in[key]
	return ok
}

func lookup(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func number(v any) (float64, bool) {
	return patient.Inputs{"v": v}.Float("v")
}

// parseTimestamp accepts RFC 3339 strings, plain dates, epoch milliseconds
// and exported Firestore timestamps ({"seconds": n} or {"_seconds": n}).
func parseTimestamp(v any) *time.Time {
	var t time.Time
	switch ts := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(ts)
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			if parsed, err = time.Parse(time.DateOnly, s); err != nil {
				return nil
			}
		}
		t = parsed
	case json.Number:
		ms, err := ts.Int64()
		if err != nil {
			return nil
		}
		t = time.UnixMilli(ms).UTC()
	case map[string]any:
		secs, ok := number(lookup(ts, "seconds", "_seconds"))
		if !ok {
			return nil
		}
		nanos, _ := number(lookup(ts, "nanoseconds", "_nanoseconds"))
		t = time.Unix(int64(secs), int64(nanos)).UTC()
	default:
		return nil
	}
	return &t
}
