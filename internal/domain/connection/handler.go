package connection

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes wires the connection admin API. All endpoints are
// admin-only; connections carry credentials configuration.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin"))
	g.POST("/connections", h.CreateConnection)
	g.GET("/connections", h.ListConnections)
	g.GET("/connections/summary", h.StatusSummary)
	g.GET("/connections/:id", h.GetConnection)
	g.PUT("/connections/:id", h.UpdateConnection)
	g.POST("/connections/:id/deactivate", h.Deactivate)
	g.POST("/connections/:id/reactivate", h.Reactivate)
	g.POST("/connections/:id/test", h.TestConnection)
}

func (h *Handler) CreateConnection(c echo.Context) error {
	var conn Connection
	if err := c.Bind(&conn); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateConnection(c.Request().Context(), &conn, actor(c)); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, conn)
}

func (h *Handler) GetConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	conn, err := h.svc.GetConnection(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handler) ListConnections(c echo.Context) error {
	pg := pagination.FromContext(c)
	conns, total, err := h.svc.ListConnections(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(conns, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var upd Connection
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conn, err := h.svc.UpdateConnection(c.Request().Context(), id, &upd, actor(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Deactivate(c.Request().Context(), id, actor(c)); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Reactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Reactivate(c.Request().Context(), id, actor(c)); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) TestConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	result, err := h.svc.TestConnection(c.Request().Context(), id, actor(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) StatusSummary(c echo.Context) error {
	summary, err := h.svc.StatusSummary(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

func actor(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return id
	}
	return audit.ActorSystem
}
