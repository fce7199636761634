package audit

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin"))
	g.GET("/audit-events", h.ListEvents)
	g.GET("/audit-events/:id", h.GetEvent)
	g.GET("/audit-events/:id/fhir", h.GetEventFHIR)
}

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)

	f := Filter{
		Action:       c.QueryParam("action"),
		Actor:        c.QueryParam("actor"),
		ResourceType: c.QueryParam("target_type"),
		ResourceID:   c.QueryParam("target_id"),
	}
	if v := c.QueryParam("connection_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid connection_id")
		}
		f.ConnectionID = &id
	}
	if v := c.QueryParam("sync_log_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid sync_log_id")
		}
		f.SyncLogID = &id
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
		f.Since = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to")
		}
		f.Until = t
	}

	events, total, err := h.svc.ListEvents(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ev, err := h.svc.GetEvent(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "event not found")
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) GetEventFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ev, err := h.svc.GetEvent(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "event not found")
	}
	return c.JSON(http.StatusOK, ev.ToFHIR())
}
