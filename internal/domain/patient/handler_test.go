package patient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/cardiorisk/cardiorisk/internal/platform/auth"
)

func newTestHandler() (*Handler, *echo.Echo) {
	h := NewHandler(newTestService())
	e := echo.New()
	return h, e
}

func newContext(e *echo.Echo, method, target, body, user string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if user != "" {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

const assessmentBody = `{
	"firstname": "Ana",
	"lastname": "Lima",
	"age": 54,
	"sex": "Female",
	"inputs": {
		"blood_pressure_systolic": 130,
		"blood_pressure_diastolic": "85",
		"cholesterol_level": 210,
		"weight": 70,
		"height": 175,
		"history_of_stroke": "No"
	},
	"risk": "Susceptible"
}`

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestHandler_SaveAssessment(t *testing.T) {
	h, e := newTestHandler()

	c, rec := newContext(e, http.MethodPost, "/api/v1/assessments", assessmentBody, "user-1")
	if err := h.SaveAssessment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var body struct {
		Patient map[string]any `json:"patient"`
		Record  Record         `json:"record"`
		Created bool           `json:"created"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Patient["display_label"] != "0001" {
		t.Errorf("expected display_label 0001, got %v", body.Patient["display_label"])
	}
	if body.Record.Risk.Level != RiskHigh {
		t.Errorf("expected legacy verdict mapped to High, got %q", body.Record.Risk.Level)
	}

	c, rec = newContext(e, http.MethodPost, "/api/v1/assessments", assessmentBody, "user-1")
	if err := h.SaveAssessment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for an existing patient, got %d", rec.Code)
	}
}

func TestHandler_SaveAssessment_BadRequest(t *testing.T) {
	h, e := newTestHandler()

	c, _ := newContext(e, http.MethodPost, "/api/v1/assessments", `{"firstname":"Ana"}`, "user-1")
	expectHTTPError(t, h.SaveAssessment(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodPost, "/api/v1/assessments", `{not json`, "user-1")
	expectHTTPError(t, h.SaveAssessment(c), http.StatusBadRequest)
}

func TestHandler_GetPatient(t *testing.T) {
	h, e := newTestHandler()
	res, err := h.svc.SaveAssessment(context.Background(), "user-1", validRequest("Ana", "Lima"))
	if err != nil {
		t.Fatal(err)
	}

	c, rec := newContext(e, http.MethodGet, "/", "", "user-1")
	c.SetParamNames("id")
	c.SetParamValues(res.Patient.ID.String())
	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var p Patient
	json.Unmarshal(rec.Body.Bytes(), &p)
	if len(p.Records) != 1 {
		t.Errorf("expected embedded record, got %d", len(p.Records))
	}

	c, _ = newContext(e, http.MethodGet, "/", "", "user-2")
	c.SetParamNames("id")
	c.SetParamValues(res.Patient.ID.String())
	expectHTTPError(t, h.GetPatient(c), http.StatusNotFound)

	c, _ = newContext(e, http.MethodGet, "/", "", "user-1")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.GetPatient(c), http.StatusBadRequest)
}

func TestHandler_ListPatients(t *testing.T) {
	h, e := newTestHandler()
	for _, name := range []string{"A", "B", "C"} {
		h.svc.SaveAssessment(context.Background(), "user-1", validRequest(name, "X"))
	}

	c, rec := newContext(e, http.MethodGet, "/api/v1/patients?limit=2", "", "user-1")
	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data    []map[string]any `json:"data"`
		Total   int              `json:"total"`
		HasMore bool             `json:"has_more"`
		Links   struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 3 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("unexpected page: total=%d len=%d more=%v", body.Total, len(body.Data), body.HasMore)
	}
	if body.Links.Next != "/api/v1/patients?limit=2&offset=2" {
		t.Errorf("unexpected next link %q", body.Links.Next)
	}
}

func TestHandler_DeletePatient(t *testing.T) {
	h, e := newTestHandler()
	res, _ := h.svc.SaveAssessment(context.Background(), "user-1", validRequest("Ana", "Lima"))

	c, rec := newContext(e, http.MethodDelete, "/", "", "user-1")
	c.SetParamNames("id")
	c.SetParamValues(res.Patient.ID.String())
	if err := h.DeletePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c, _ = newContext(e, http.MethodDelete, "/", "", "user-1")
	c.SetParamNames("id")
	c.SetParamValues(res.Patient.ID.String())
	expectHTTPError(t, h.DeletePatient(c), http.StatusNotFound)
}

func TestHandler_DeleteRecord(t *testing.T) {
	h, e := newTestHandler()
	res, _ := h.svc.SaveAssessment(context.Background(), "user-1", validRequest("Ana", "Lima"))

	c, _ := newContext(e, http.MethodDelete, "/", "", "user-1")
	c.SetParamNames("id", "rid")
	c.SetParamValues(res.Patient.ID.String(), "bad")
	expectHTTPError(t, h.DeleteRecord(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodDelete, "/", "", "user-1")
	c.SetParamNames("id", "rid")
	c.SetParamValues(res.Patient.ID.String(), uuid.NewString())
	expectHTTPError(t, h.DeleteRecord(c), http.StatusNotFound)

	c, rec := newContext(e, http.MethodDelete, "/", "", "user-1")
	c.SetParamNames("id", "rid")
	c.SetParamValues(res.Patient.ID.String(), res.Record.ID.String())
	if err := h.DeleteRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes_RequiresUser(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a user, got %d", rec.Code)
	}
}
