package record

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/compliance"
	"github.com/ehr/compliance/internal/platform/apperror"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/pkg/pagination"
)

type Handler struct {
	svc *compliance.Service
}

func NewHandler(svc *compliance.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/records/:type/:id", h.GetRecord)
	api.POST("/records/:type", h.CreateRecord)
	api.PUT("/records/:type/:id", h.UpdateRecord)
	api.DELETE("/records/:type/:id", h.DeleteRecord)

	api.GET("/classifications", h.ListClassifications)
	api.GET("/classifications/:type", h.GetClassification)

	oversight := api.Group("", auth.RequireRole(auth.RoleSupervisor))
	oversight.GET("/audit-events", h.ListAuditEvents)
	oversight.PUT("/clients/:client_id/workers/:worker_id", h.AssignWorker)
	oversight.DELETE("/clients/:client_id/workers/:worker_id", h.UnassignWorker)
}

type createRequest struct {
	ID       string             `json:"id"`
	ClientID string             `json:"client_id"`
	Fields   compliance.Payload `json:"fields"`
}

type updateRequest struct {
	Fields compliance.Payload `json:"fields"`
}

func actor(c echo.Context) auth.Actor {
	a, _ := auth.ActorFromContext(c.Request().Context())
	return a
}

func bindError(err error) error {
	return apperror.Wrap(err, apperror.CodeInvalidInput, "request body is not valid JSON")
}

func (h *Handler) GetRecord(c echo.Context) error {
	var fields []string
	if raw := c.QueryParam("fields"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	v, err := h.svc.Read(c.Request().Context(), actor(c), c.Param("type"), c.Param("id"), fields)
	if err != nil {
		return err
	}
	if NotModified(c, v.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	lastModified(c, v.Version, v.UpdatedAt)
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	v, err := h.svc.Create(c.Request().Context(), actor(c), c.Param("type"), req.ID, req.ClientID, req.Fields)
	if err != nil {
		return err
	}
	lastModified(c, v.Version, v.UpdatedAt)
	c.Response().Header().Set("Location", "/api/v1/records/"+v.Type+"/"+v.ID)
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	expected, err := ExpectedVersion(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	v, err := h.svc.Update(c.Request().Context(), actor(c), c.Param("type"), c.Param("id"), expected, req.Fields)
	if err != nil {
		return err
	}
	lastModified(c, v.Version, v.UpdatedAt)
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	expected, err := ExpectedVersion(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), actor(c), c.Param("type"), c.Param("id"), expected); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListClassifications(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"record_types": h.svc.Registry().RecordTypes()})
}

func (h *Handler) GetClassification(c echo.Context) error {
	fields := h.svc.Registry().Fields(c.Param("type"))
	if len(fields) == 0 {
		return apperror.NotFound("record type", c.Param("type"))
	}
	return c.JSON(http.StatusOK, fields)
}

func (h *Handler) ListAuditEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := hipaa.AuditFilter{
		ActorID:    c.QueryParam("actor_id"),
		RecordType: c.QueryParam("record_type"),
		RecordID:   c.QueryParam("record_id"),
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	}
	if o := c.QueryParam("outcome"); o != "" {
		filter.Outcome = hipaa.Outcome(strings.ToUpper(o))
		if filter.Outcome != hipaa.OutcomeAllow && filter.Outcome != hipaa.OutcomeDeny {
			return apperror.New(apperror.CodeInvalidInput, "outcome must be ALLOW or DENY",
				apperror.Detail{Field: "outcome", Code: "INVALID_VALUE", Message: "must be ALLOW or DENY", Value: o})
		}
	}
	var err error
	if filter.Since, err = timeParam(c, "since"); err != nil {
		return err
	}
	if filter.Until, err = timeParam(c, "until"); err != nil {
		return err
	}

	events, total, err := h.svc.AuditEvents(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg))
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperror.New(apperror.CodeInvalidInput, "invalid "+name,
			apperror.Detail{Field: name, Code: "INVALID_TIME", Message: "must be an RFC 3339 timestamp", Value: raw})
	}
	return t, nil
}

func (h *Handler) AssignWorker(c echo.Context) error {
	if err := h.svc.AssignWorker(c.Request().Context(), actor(c), c.Param("client_id"), c.Param("worker_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UnassignWorker(c echo.Context) error {
	if err := h.svc.UnassignWorker(c.Request().Context(), actor(c), c.Param("client_id"), c.Param("worker_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
