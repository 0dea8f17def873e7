package patient

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type RiskLevel string

const (
	RiskUnknown  RiskLevel = ""
	RiskLow      RiskLevel = "Low"
	RiskModerate RiskLevel = "Moderate"
	RiskHigh     RiskLevel = "High"
)

// RiskLevels lists the known levels in presentation order.
var RiskLevels = []RiskLevel{RiskLow, RiskModerate, RiskHigh}

func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskModerate, RiskHigh:
		return true
	}
	return false
}

// RiskResult is the single stored representation of a scoring outcome: a
// categorical level, a percentage, or both. A numeric-only score keeps an
// empty level; it is never bucketed into a category.
type RiskResult struct {
	Level      RiskLevel `json:"level,omitempty"`
	Percentage *float64  `json:"percentage,omitempty"`
}

// NewPercentageRisk builds a RiskResult from a numeric score.
func NewPercentageRisk(p float64) RiskResult {
	return RiskResult{Percentage: &p}
}

// Known reports whether the result carries a level or a percentage.
func (r RiskResult) Known() bool {
	return r.Level != RiskUnknown || r.Percentage != nil
}

// ParseLegacyRisk adapts every risk shape the application has stored over
// time: Low/Moderate/High labels, the Susceptible/Not Susceptible verdict,
// the free-text verdict of the first scoring service, and bare percentages
// (number or numeric string). Anything else yields an empty result.
func ParseLegacyRisk(v any) RiskResult {
	switch r := v.(type) {
	case nil:
		return RiskResult{}
	case RiskResult:
		return r
	case float64:
		return percentageRisk(r)
	case int:
		return percentageRisk(float64(r))
	case json.Number:
		if f, err := r.Float64(); err == nil {
			return percentageRisk(f)
		}
		return RiskResult{}
	case string:
		return parseRiskLabel(r)
	case map[string]any:
		res := ParseLegacyRisk(r["level"])
		if pct := ParseLegacyRisk(r["percentage"]); pct.Percentage != nil {
			res.Percentage = pct.Percentage
		}
		return res
	}
	return RiskResult{}
}

func percentageRisk(p float64) RiskResult {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return RiskResult{}
	}
	return NewPercentageRisk(p)
}

func parseRiskLabel(s string) RiskResult {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)
	switch lower {
	case "low":
		return RiskResult{Level: RiskLow}
	case "moderate":
		return RiskResult{Level: RiskModerate}
	case "high":
		return RiskResult{Level: RiskHigh}
	case "susceptible":
		return RiskResult{Level: RiskHigh}
	case "not susceptible":
		return RiskResult{Level: RiskLow}
	}
	if strings.Contains(lower, "no chance") {
		return RiskResult{Level: RiskLow}
	}
	if strings.Contains(lower, "a chance") {
		return RiskResult{Level: RiskHigh}
	}
	if f, err := strconv.ParseFloat(strings.TrimSuffix(trimmed, "%"), 64); err == nil {
		return percentageRisk(f)
	}
	return RiskResult{}
}
