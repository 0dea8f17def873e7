// Package analytics derives the dashboard statistics from a snapshot of an
// owner's patients and their assessment records. Aggregate is pure: it reads
// only its arguments and returns a freshly allocated Report.
package analytics

import (
	"fmt"
	"math"
	"time"

	"github.com/cardiorisk/cardiorisk/internal/domain/patient"
)

// Options controls calendar bucketing. A nil Location means UTC.
type Options struct {
	Location *time.Location
}

type ageRange struct {
	label    string
	min, max int
}

// The last range is open ended.
var ageRanges = []ageRange{
	{"0-20", 0, 20},
	{"21-40", 21, 40},
	{"41-60", 41, 60},
	{"61-80", 61, 80},
	{"81+", 81, math.MaxInt},
}

var sexes = []patient.Sex{patient.SexMale, patient.SexFemale}

// BMI band limits.
const (
	BMIHighAbove   = 30.0
	BMINormalFrom  = 18.5
	BMINormalUntil = 24.9
)

const (
	strokeYes = "Yes"
	strokeNo  = "No"
)

type meanAcc struct {
	sum float64
	n   int
}

func (m *meanAcc) add(v float64) {
	m.sum += v
	m.n++
}

func (m meanAcc) mean() Mean {
	if m.n == 0 {
		return Mean{}
	}
	return Mean{Value: m.sum / float64(m.n), Count: m.n}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Aggregate computes the analytics report for patients. Malformed fields are
// excluded from the statistic they feed; records in a schema that cannot be
// migrated are counted in SkippedRecords. A nil patient is ErrInvalidInput.
func Aggregate(patients []*patient.Patient, opts Options) (*Report, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	var (
		ageMean, bmi, sys, dia, chol, riskPct meanAcc
		bmiHigh, bmiNormal, bmiLow            int
		strokeY, strokeN                      int
		totalRecords, skipped                 int
	)
	ages := make([]int, len(ageRanges))
	sexCounts := make([]int, len(sexes))
	riskCounts := make([]int, len(patient.RiskLevels))
	series := newSeriesBuilder(loc)

	for i, p := range patients {
		if p == nil {
			return nil, fmt.Errorf("%w: patient at index %d is null", ErrInvalidInput, i)
		}

		if p.Age != nil && *p.Age >= 0 {
			age := *p.Age
			ageMean.add(float64(age))
			for j, r := range ageRanges {
				if age >= r.min && age <= r.max {
					ages[j]++
					break
				}
			}
		}
		for j, s := range sexes {
			if p.Sex == s {
				sexCounts[j]++
			}
		}

		for _, raw := range p.Records {
			if raw == nil {
				skipped++
				continue
			}
			rec, err := patient.Migrate(raw)
			if err != nil {
				skipped++
				continue
			}
			totalRecords++
			in := rec.Inputs

			if v, ok := in.Float(patient.FieldBMI); ok && v > 0 {
				bmi.add(v)
				switch {
				case v > BMIHighAbove:
					bmiHigh++
				case v >= BMINormalFrom && v <= BMINormalUntil:
					bmiNormal++
				case v < BMINormalFrom:
					bmiLow++
				}
			}

			s, sOK := in.Float(patient.FieldSystolic)
			d, dOK := in.Float(patient.FieldDiastolic)
			if sOK && dOK {
				sys.add(s)
				dia.add(d)
			}
			if c, ok := in.Float(patient.FieldCholesterol); ok {
				chol.add(c)
			}

			switch in.String(patient.FieldStroke) {
			case strokeYes:
				strokeY++
			case strokeNo:
				strokeN++
			}

			for j, l := range patient.RiskLevels {
				if rec.Risk.Level == l {
					riskCounts[j]++
				}
			}
			if rec.Risk.Percentage != nil && !math.IsNaN(*rec.Risk.Percentage) && !math.IsInf(*rec.Risk.Percentage, 0) {
				riskPct.add(*rec.Risk.Percentage)
			}

			if rec.RecordedAt != nil && !rec.RecordedAt.IsZero() {
				series.add(*rec.RecordedAt)
			}
		}
	}

	report := &Report{
		Age:     buckets(labels(ageRanges, func(r ageRange) string { return r.label }), ages),
		MeanAge: ageMean.mean(),
		Sex:     buckets(labels(sexes, func(s patient.Sex) string { return string(s) }), sexCounts),
		BMI: BMIStats{
			Mean:   bmi.mean(),
			High:   bmiHigh,
			Normal: bmiNormal,
			Low:    bmiLow,
		},
		Risk: RiskStats{
			Distribution:   buckets(labels(patient.RiskLevels, func(l patient.RiskLevel) string { return string(l) }), riskCounts),
			MeanPercentage: riskPct.mean(),
		},
		Vitals: VitalStats{
			Systolic:    sys.mean(),
			Diastolic:   dia.mean(),
			Cholesterol: chol.mean(),
		},
		Stroke:         StrokeStats{Yes: strokeY, No: strokeN},
		Series:         series.build(),
		SkippedRecords: skipped,
		Timezone:       loc.String(),
	}
	if strokeY+strokeN > 0 {
		report.Stroke.Rate = float64(strokeY) / float64(strokeY+strokeN) * 100
	}

	report.Summary = Summary{
		TotalPatients:   len(patients),
		TotalRecords:    totalRecords,
		MeanAge:         round2(report.MeanAge.Value),
		MeanBMI:         round2(report.BMI.Mean.Value),
		MeanSystolic:    round2(report.Vitals.Systolic.Value),
		MeanDiastolic:   round2(report.Vitals.Diastolic.Value),
		MeanCholesterol: round2(report.Vitals.Cholesterol.Value),
		StrokeRate:      round2(report.Stroke.Rate),
	}
	return report, nil
}

func labels[T any](items []T, label func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = label(it)
	}
	return out
}

func buckets(names []string, counts []int) []Bucket {
	out := make([]Bucket, len(names))
	for i, n := range names {
		out[i] = Bucket{Label: n, Count: counts[i]}
	}
	return out
}
