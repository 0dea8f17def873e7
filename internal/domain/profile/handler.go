package profile

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cardiorisk/cardiorisk/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/profile", auth.RequireUser())
	g.GET("", h.Get)
	g.PUT("", h.Update)
}

func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := h.svc.Get(ctx, auth.UserIDFromContext(ctx), auth.EmailFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Update(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Update(ctx, auth.UserIDFromContext(ctx), auth.EmailFromContext(ctx), req)
	if errors.Is(err, ErrValidation) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, p)
}
