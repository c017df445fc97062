package checkin

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/checkin-billing/internal/platform/auth"
	"github.com/ehr/checkin-billing/internal/platform/fhir"
)

// Streamer upgrades a request into a live subscription on the given topics.
type Streamer interface {
	Serve(c echo.Context, topics ...string) error
}

type Handler struct {
	registry *Registry
	streamer Streamer
}

func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// WithStreamer enables GET /checkin-sessions/:id/events.
func (h *Handler) WithStreamer(s Streamer) *Handler {
	h.streamer = s
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/checkin-sessions", auth.RequireRole("admin", "billing", "front_desk"))
	g.POST("", h.CreateSession)
	g.GET("/:id", h.GetSession)
	g.DELETE("/:id", h.DeleteSession)
	g.PUT("/:id/patient", h.SetPatient)
	g.PUT("/:id/payment-mode", h.SetPaymentMode)
	g.PUT("/:id/attributes", h.SetAttributes)
	g.POST("/:id/service-selection", h.SelectService)
	g.POST("/:id/reset", h.Reset)
	g.POST("/:id/commit", h.Commit)
	if h.streamer != nil {
		g.GET("/:id/events", h.Events)
	}
}

type patientRequest struct {
	PatientUUID string `json:"patient_uuid" validate:"required,uuid"`
}

type paymentModeRequest struct {
	PaymentModeUUID *string `json:"payment_mode_uuid" validate:"omitempty,uuid"`
}

type attributesRequest struct {
	Attributes []Attribute `json:"attributes" validate:"dive"`
}

type selectionRequest struct {
	BillableServiceUUID string `json:"billable_service_uuid" validate:"required"`
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	s, err := h.registry.Get(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "check-in session not found")
	}
	return s, nil
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req patientRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s, err := h.registry.Create(c.Request().Context(), req.PatientUUID)
	if err != nil {
		return catalogUnavailable(c, err)
	}
	return c.JSON(http.StatusCreated, s.Snapshot())
}

func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if c.QueryParam("wait") == "visit" {
		if err := s.WaitVisit(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
		}
	}
	return c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.registry.Delete(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "check-in session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetPatient(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req patientRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s.SetPatient(req.PatientUUID)
	return c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) SetPaymentMode(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req paymentModeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s.SetPaymentMode(req.PaymentModeUUID)
	return c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) SetAttributes(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req attributesRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	s.SetAttributes(req.Attributes)
	return c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) SelectService(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req selectionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if _, err := s.SelectService(req.BillableServiceUUID); err != nil {
		switch {
		case errors.Is(err, ErrCatalogUnavailable):
			return catalogUnavailable(c, err)
		case errors.Is(err, ErrServiceNotEligible):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		default:
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
	}
	return c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) Reset(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	s.Reset()
	return c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) Commit(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	bill, err := s.Commit(c.Request().Context())
	if err != nil {
		if errors.Is(err, ErrNoDraft) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, bill)
}

func (h *Handler) Events(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return h.streamer.Serve(c, SessionTopic(s.ID))
}

func catalogUnavailable(c echo.Context, err error) error {
	return c.JSON(http.StatusServiceUnavailable, fhir.NewOperationOutcome(
		fhir.IssueSeverityFatal, fhir.IssueTypeException, err.Error(),
	))
}
