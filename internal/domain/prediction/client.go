// Package prediction talks to the external scoring service that turns an
// assessment's features into a risk result.
package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cardiorisk/cardiorisk/internal/domain/patient"
)

var (
	ErrScoringUnavailable = errors.New("scoring service unavailable")
	ErrInvalidFeatures    = errors.New("invalid prediction features")
)

// maxResponseSize bounds the scoring response body (1 MB).
const maxResponseSize = 1 << 20

// Features is the request body the scoring model expects.
type Features struct {
	Age    float64 `json:"Age"`
	BPSyst float64 `json:"BP_Syst"`
	Chol   float64 `json:"Chol"`
	BMI    float64 `json:"BMI"`
	Stroke int     `json:"Stroke"`
}

// FeaturesFrom maps an age and canonical assessment inputs onto the model
// features. BMI is derived from weight and height when it is not given.
func FeaturesFrom(age int, in patient.Inputs) (Features, error) {
	f := Features{Age: float64(age)}
	var ok bool
	if f.BPSyst, ok = in.Float(patient.FieldSystolic); !ok {
		return Features{}, fmt.Errorf("%w: %s is required", ErrInvalidFeatures, patient.FieldSystolic)
	}
	if f.Chol, ok = in.Float(patient.FieldCholesterol); !ok {
		return Features{}, fmt.Errorf("%w: %s is required", ErrInvalidFeatures, patient.FieldCholesterol)
	}
	if f.BMI, ok = in.Float(patient.FieldBMI); !ok {
		w, _ := in.Float(patient.FieldWeight)
		h, _ := in.Float(patient.FieldHeight)
		f.BMI, _ = patient.ComputeBMI(w, h)
	}
	if in.String(patient.FieldStroke) == "Yes" {
		f.Stroke = 1
	}
	return f, nil
}

func (f Features) validate() error {
	if f.BMI <= 0 {
		return fmt.Errorf("%w: BMI must be positive, provide weight and height", ErrInvalidFeatures)
	}
	if f.Age < 0 {
		return fmt.Errorf("%w: age must not be negative", ErrInvalidFeatures)
	}
	return nil
}

type scoreResponse struct {
	Prediction any    `json:"prediction"`
	Percentage any    `json:"percentage"`
	Error      string `json:"error"`
}

type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: url, client: &http.Client{Timeout: timeout}}
}

// Score posts the features to the scoring service and adapts its answer.
func (c *Client) Score(ctx context.Context, f Features) (*patient.RiskResult, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}
	defer resp.Body.Close()

	var out scoreResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out)

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrScoringUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidFeatures, msg)
	case decodeErr != nil:
		return nil, fmt.Errorf("%w: decode response: %v", ErrScoringUnavailable, decodeErr)
	}

	risk := patient.ParseLegacyRisk(map[string]any{
		"level":      out.Prediction,
		"percentage": out.Percentage,
	})
	if !risk.Known() {
		return nil, fmt.Errorf("%w: unrecognised prediction %v", ErrScoringUnavailable, out.Prediction)
	}
	return &risk, nil
}
