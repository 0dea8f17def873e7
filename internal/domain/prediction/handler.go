package prediction

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cardiorisk/cardiorisk/internal/domain/patient"
	"github.com/cardiorisk/cardiorisk/internal/platform/auth"
)

type Scorer interface {
	Score(ctx context.Context, f Features) (*patient.RiskResult, error)
}

type Request struct {
	Age    *int           `json:"age"`
	Inputs patient.Inputs `json:"inputs"`
}

type Response struct {
	Features Features           `json:"features"`
	Risk     patient.RiskResult `json:"risk"`
}

type Handler struct {
	scorer Scorer
}

func NewHandler(scorer Scorer) *Handler {
	return &Handler{scorer: scorer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/predictions", h.Predict, auth.RequireUser())
}

func (h *Handler) Predict(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Age == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "age is required")
	}
	f, err := FeaturesFrom(*req.Age, req.Inputs)
	if err != nil {
		return httpError(c, err)
	}
	risk, err := h.scorer.Score(c.Request().Context(), f)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, Response{Features: f, Risk: *risk})
}

func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidFeatures):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrScoringUnavailable):
		zerolog.Ctx(c.Request().Context()).Warn().Err(err).Msg("scoring failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scoring service unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
