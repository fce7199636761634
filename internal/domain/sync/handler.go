package sync

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/pkg/pagination"
)

type Handler struct {
	svc    *Service
	engine *Engine
}

func NewHandler(svc *Service, engine *Engine) *Handler {
	return &Handler{svc: svc, engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/connections/:id/sync", h.TriggerSync)
	admin.GET("/connections/:id/sync-logs", h.ListSyncLogs)
	admin.GET("/sync-logs/:id", h.GetSyncLog)
	admin.GET("/sync-logs/:id/resources", h.ListResources)
}

// TriggerSync starts a manual pass and responds 202 with its running
// log. The pass finishes in the background.
func (h *Handler) TriggerSync(c echo.Context) error {
	connectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	var body struct {
		Direction string `json:"direction"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Direction != "" && !validDirections[body.Direction] {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid direction: "+body.Direction)
	}

	log, err := h.engine.RunDetached(c.Request().Context(), connectionID, TypeManual, body.Direction, actor(c))
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, log)
	case errors.Is(err, ErrPassInProgress):
		return echo.NewHTTPError(http.StatusConflict, "a sync pass is already running for this connection")
	case errors.Is(err, ErrConnectionInactive):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, connection.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) ListSyncLogs(c echo.Context) error {
	connectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	pg := pagination.FromContext(c)

	logs, total, err := h.svc.ListByConnection(c.Request().Context(), connectionID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(logs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSyncLog(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	log, err := h.svc.GetSyncLog(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "sync log not found")
	}
	return c.JSON(http.StatusOK, log)
}

func (h *Handler) ListResources(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	status := c.QueryParam("status")
	if status != "" && !validResourceStatuses[status] {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+status)
	}
	pg := pagination.FromContext(c)

	resources, total, err := h.svc.ListResources(c.Request().Context(), id, status, pg.Limit, pg.Offset)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, pagination.NewResponse(resources, total, pg.Limit, pg.Offset))
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "sync log not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func actor(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return id
	}
	return audit.ActorSystem
}
