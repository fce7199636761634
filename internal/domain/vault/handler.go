package vault

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/platform/auth"
)

// ConnectionGetter resolves connection ids so credential routes can 404
// on connections that do not exist.
type ConnectionGetter interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*connection.Connection, error)
}

type Handler struct {
	svc   *Service
	conns ConnectionGetter
}

func NewHandler(svc *Service, conns ConnectionGetter) *Handler {
	return &Handler{svc: svc, conns: conns}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin"))
	g.PUT("/connections/:id/credentials", h.StoreCredentials)
	g.GET("/connections/:id/credentials", h.GetCredentialInfo)
	g.POST("/connections/:id/credentials/invalidate", h.InvalidateToken)
}

func (h *Handler) StoreCredentials(c echo.Context) error {
	id, err := h.connectionID(c)
	if err != nil {
		return err
	}
	var req StoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Store(c.Request().Context(), id, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetCredentialInfo(c echo.Context) error {
	id, err := h.connectionID(c)
	if err != nil {
		return err
	}
	info, err := h.svc.Info(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no credentials stored")
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handler) InvalidateToken(c echo.Context) error {
	id, err := h.connectionID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Invalidate(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) connectionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	if _, err := h.conns.GetConnection(c.Request().Context(), id); err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return id, nil
}
