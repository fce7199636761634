package conflict

import (
	"errors"
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

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole("admin"))
	admin.GET("/conflicts", h.ListConflicts)
	admin.GET("/conflicts/:id", h.GetConflict)
	admin.POST("/conflicts/:id/resolve", h.ResolveConflict)
}

func (h *Handler) ListConflicts(c echo.Context) error {
	var f Filter
	f.Status = c.QueryParam("status")
	if v := c.QueryParam("connection_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid connection_id")
		}
		f.ConnectionID = &id
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	pg := pagination.FromContext(c)

	conflicts, total, err := h.svc.ListConflicts(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(conflicts, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	conflict, err := h.svc.GetConflict(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "conflict not found")
	}
	return c.JSON(http.StatusOK, conflict)
}

func (h *Handler) ResolveConflict(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Strategy string `json:"strategy"`
		Note     string `json:"note"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !validStrategies[body.Strategy] {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid strategy: "+body.Strategy)
	}

	resolved, err := h.svc.Resolve(c.Request().Context(), id, body.Strategy, actor(c), body.Note)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, resolved)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "conflict not found")
	case errors.Is(err, ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, "conflict already resolved")
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}

func actor(c echo.Context) string {
	if id := auth.UserIDFromContext(c.Request().Context()); id != "" {
		return id
	}
	return audit.ActorSystem
}
