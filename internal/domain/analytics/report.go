package analytics

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput  = errors.New("invalid analytics input")
	ErrInvalidFormat = errors.New("unsupported export format")
)

// Bucket is one labelled count. Bucket slices are always fully populated in
// a fixed order, with zero counts where nothing matched.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Point is one period of a time series.
type Point struct {
	Period string `json:"period"`
	Count  int    `json:"count"`
}

// Mean keeps a full-precision average together with the number of values
// it was computed from.
type Mean struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

type BMIStats struct {
	Mean   Mean `json:"mean"`
	High   int  `json:"high"`
	Normal int  `json:"normal"`
	Low    int  `json:"low"`
}

type RiskStats struct {
	Distribution   []Bucket `json:"distribution"`
	MeanPercentage Mean     `json:"mean_percentage"`
}

type VitalStats struct {
	Systolic    Mean `json:"systolic"`
	Diastolic   Mean `json:"diastolic"`
	Cholesterol Mean `json:"cholesterol"`
}

type StrokeStats struct {
	Yes  int     `json:"yes"`
	No   int     `json:"no"`
	Rate float64 `json:"rate"`
}

type TimeSeries struct {
	Day   []Point `json:"day"`
	Week  []Point `json:"week"`
	Month []Point `json:"month"`
	Year  []Point `json:"year"`
}

// Summary holds the headline numbers rounded to two decimals.
type Summary struct {
	TotalPatients   int     `json:"total_patients"`
	TotalRecords    int     `json:"total_records"`
	MeanAge         float64 `json:"mean_age"`
	MeanBMI         float64 `json:"mean_bmi"`
	MeanSystolic    float64 `json:"mean_systolic"`
	MeanDiastolic   float64 `json:"mean_diastolic"`
	MeanCholesterol float64 `json:"mean_cholesterol"`
	StrokeRate      float64 `json:"stroke_rate"`
}

type Report struct {
	Summary        Summary     `json:"summary"`
	Age            []Bucket    `json:"age"`
	MeanAge        Mean        `json:"mean_age"`
	Sex            []Bucket    `json:"sex"`
	BMI            BMIStats    `json:"bmi"`
	Risk           RiskStats   `json:"risk"`
	Vitals         VitalStats  `json:"vitals"`
	Stroke         StrokeStats `json:"stroke"`
	Series         TimeSeries  `json:"series"`
	SkippedRecords int         `json:"skipped_records"`
	Timezone       string      `json:"timezone"`
	GeneratedAt    *time.Time  `json:"generated_at,omitempty"`
}
