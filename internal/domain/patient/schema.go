package patient

import "fmt"

var v2Renames = map[string]string{
	"BP_Syst": FieldSystolic,
	"Chol":    FieldCholesterol,
	"BMI":     FieldBMI,
}

// Migrate returns a copy of r upgraded to CurrentSchema. The input is never
// modified. Versions this build does not know yield ErrUnsupportedSchema.
func Migrate(r *Record) (*Record, error) {
	out := *r
	out.Inputs = r.Inputs.clone()

	switch r.SchemaVersion {
	case CurrentSchema:
		return &out, nil
	case SchemaV2:
		for old, canonical := range v2Renames {
			if v, ok := out.Inputs[old]; ok {
				if _, exists := out.Inputs[canonical]; !exists {
					out.Inputs[canonical] = v
				}
				if old != canonical {
					delete(out.Inputs, old)
				}
			}
		}
		migrateStrokeFlag(out.Inputs)
	case SchemaV1:
		migrateStrokeFlag(out.Inputs)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, r.SchemaVersion)
	}

	out.SchemaVersion = CurrentSchema
	return &out, nil
}

// migrateStrokeFlag turns the legacy 0/1 "Stroke" feature into the Yes/No
// history_of_stroke answer.
func migrateStrokeFlag(in Inputs) {
	v, ok := in.Float("Stroke")
	if !ok {
		return
	}
	delete(in, "Stroke")
	if _, exists := in[FieldStroke]; exists {
		return
	}
	if v != 0 {
		in[FieldStroke] = "Yes"
	} else {
		in[FieldStroke] = "No"
	}
}
