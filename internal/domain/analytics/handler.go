package analytics

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cardiorisk/cardiorisk/internal/platform/auth"
	"github.com/cardiorisk/cardiorisk/internal/platform/sequence"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/analytics", auth.RequireUser())
	g.GET("", h.GetReport)
	g.POST("/exports", h.CreateExport)
	g.GET("/exports/:name", h.DownloadExport)
}

func (h *Handler) GetReport(c echo.Context) error {
	loc, err := locationParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	report, err := h.svc.Report(ctx, auth.UserIDFromContext(ctx), loc)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) CreateExport(c echo.Context) error {
	loc, err := locationParam(c)
	if err != nil {
		return err
	}
	format, err := ParseFormat(c.QueryParam("format"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	exp, err := h.svc.CreateExport(ctx, auth.UserIDFromContext(ctx), format, loc)
	if err != nil {
		return httpError(c, err)
	}
	c.Response().Header().Set(echo.HeaderLocation, c.Request().URL.Path+"/"+exp.Name)
	return c.JSON(http.StatusCreated, exp)
}

func (h *Handler) DownloadExport(c echo.Context) error {
	ctx := c.Request().Context()
	rc, obj, err := h.svc.OpenExport(ctx, auth.UserIDFromContext(ctx), c.Param("name"))
	if err != nil {
		return httpError(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+c.Param("name")+`"`)
	return c.Stream(http.StatusOK, obj.ContentType, rc)
}

func locationParam(c echo.Context) (*time.Location, error) {
	tz := c.QueryParam("tz")
	if tz == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unknown time zone "+tz)
	}
	return loc, nil
}

func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidFormat):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrExportNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "export not found")
	case errors.Is(err, sequence.ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	default:
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("analytics request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
