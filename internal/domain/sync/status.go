package sync

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/domain/conflict"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/platform/auth"
)

// ConnectionStatus is the operator view of one connection: the row
// itself, its most recent pass and how many conflicts wait on a human.
type ConnectionStatus struct {
	Connection    *connection.Connection `json:"connection"`
	LastSyncLog   *SyncLog               `json:"last_sync_log,omitempty"`
	OpenConflicts int                    `json:"open_conflicts"`
}

// ConflictCounter is the slice of the conflict service the status view
// reads.
type ConflictCounter interface {
	ListConflicts(ctx context.Context, f conflict.Filter, limit, offset int) ([]*conflict.Conflict, int, error)
}

// StatusHandler serves the per-connection dashboard summary.
type StatusHandler struct {
	svc       *Service
	conns     Connections
	conflicts ConflictCounter
}

func NewStatusHandler(svc *Service, conns Connections, conflicts ConflictCounter) *StatusHandler {
	return &StatusHandler{svc: svc, conns: conns, conflicts: conflicts}
}

func (h *StatusHandler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole("admin"))
	admin.GET("/connections/:id/status", h.GetStatus)
}

func (h *StatusHandler) GetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	ctx := c.Request().Context()

	conn, err := h.conns.GetConnection(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}

	out := ConnectionStatus{Connection: conn}

	logs, _, err := h.svc.ListByConnection(ctx, id, 1, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(logs) > 0 {
		out.LastSyncLog = logs[0]
	}

	connID := id
	_, open, err := h.conflicts.ListConflicts(ctx, conflict.Filter{
		Status:       conflict.StatusOpen,
		ConnectionID: &connID,
	}, 1, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out.OpenConflicts = open

	return c.JSON(http.StatusOK, out)
}
