package mapping

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

// RegisterRoutes wires the mapping admin API. Identity decisions are
// privileged, so the whole surface is admin-only.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin"))
	g.GET("/patients/:id/mappings", h.ListPatientMappings)
	g.POST("/patients/:id/mappings", h.ResolveMapping)
	g.GET("/connections/:id/mappings", h.ListConnectionMappings)
	g.GET("/mappings/:id", h.GetMapping)
	g.POST("/mappings/:id/confirm", h.ConfirmMapping)
	g.POST("/mappings/:id/reject", h.RejectMapping)
	g.POST("/mappings/:id/tombstone", h.TombstoneMapping)
}

func (h *Handler) ListPatientMappings(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	mappings, err := h.svc.ListForPatient(c.Request().Context(), patientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, mappings)
}

// ResolveMapping triggers a remote match for one patient+connection
// pair.
func (h *Handler) ResolveMapping(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var body struct {
		ConnectionID uuid.UUID `json:"connection_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.ConnectionID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "connection_id is required")
	}

	res, err := h.svc.Resolve(c.Request().Context(), patientID, body.ConnectionID)
	if err != nil {
		if errors.Is(err, ErrNoMatch) {
			return echo.NewHTTPError(http.StatusNotFound, "no remote match found")
		}
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListConnectionMappings(c echo.Context) error {
	connectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	pg := pagination.FromContext(c)
	mappings, total, err := h.svc.ListForConnection(c.Request().Context(), connectionID,
		c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(mappings, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	m, err := h.svc.GetMapping(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ConfirmMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		ExternalID string `json:"external_fhir_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	m, err := h.svc.ConfirmMapping(c.Request().Context(), id, body.ExternalID, actor(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) RejectMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.RejectMapping(c.Request().Context(), id, actor(c)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) TombstoneMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Tombstone(c.Request().Context(), id, actor(c)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func actor(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return uid
	}
	return audit.ActorSystem
}
