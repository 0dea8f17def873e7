package analytics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts json and csv in any case. Empty means json.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}

func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Render serialises the report. CSV output is a flat section,label,value
// table.
func Render(r *Report, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(r, "", "  ")
	case FormatCSV:
		return renderCSV(r)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, f)
}

func renderCSV(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{{"section", "label", "value"}}
	add := func(section, label string, v any) {
		rows = append(rows, []string{section, label, formatValue(v)})
	}

	add("summary", "total_patients", r.Summary.TotalPatients)
	add("summary", "total_records", r.Summary.TotalRecords)
	add("summary", "mean_age", r.Summary.MeanAge)
	add("summary", "mean_bmi", r.Summary.MeanBMI)
	add("summary", "mean_systolic", r.Summary.MeanSystolic)
	add("summary", "mean_diastolic", r.Summary.MeanDiastolic)
	add("summary", "mean_cholesterol", r.Summary.MeanCholesterol)
	add("summary", "stroke_rate", r.Summary.StrokeRate)
	add("summary", "skipped_records", r.SkippedRecords)

	for _, b := range r.Age {
		add("age", b.Label, b.Count)
	}
	for _, b := range r.Sex {
		add("sex", b.Label, b.Count)
	}
	add("bmi", "High", r.BMI.High)
	add("bmi", "Normal", r.BMI.Normal)
	add("bmi", "Low", r.BMI.Low)
	for _, b := range r.Risk.Distribution {
		add("risk", b.Label, b.Count)
	}
	add("stroke", "Yes", r.Stroke.Yes)
	add("stroke", "No", r.Stroke.No)

	for _, s := range []struct {
		name   string
		points []Point
	}{
		{"day", r.Series.Day},
		{"week", r.Series.Week},
		{"month", r.Series.Month},
		{"year", r.Series.Year},
	} {
		for _, p := range s.points {
			add("series_"+s.name, p.Period, p.Count)
		}
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("writing csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatValue(v any) string {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n)
	case float64:
		return strconv.FormatFloat(n, 'f', 2, 64)
	}
	return fmt.Sprint(v)
}
