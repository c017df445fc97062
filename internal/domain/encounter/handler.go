package encounter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/checkin-billing/internal/platform/auth"
	"github.com/ehr/checkin-billing/internal/platform/fhir"
	"github.com/ehr/checkin-billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.POST("/encounters", h.CreateEncounter, auth.RequireRole("admin", "front_desk"))

	fhirRead := fhirGroup.Group("", auth.RequireRole("admin", "billing", "front_desk"))
	fhirRead.GET("/Encounter", h.SearchEncountersFHIR)
	fhirRead.GET("/Encounter/:id", h.GetEncounterFHIR)
}

func (h *Handler) CreateEncounter(c echo.Context) error {
	var enc Encounter
	if err := c.Bind(&enc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateEncounter(c.Request().Context(), &enc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, enc)
}

// SearchEncountersFHIR supports patient (required), _count and _offset.
// Results are always newest first, which is what _sort=-date asks for.
func (h *Handler) SearchEncountersFHIR(c echo.Context) error {
	ref := strings.TrimPrefix(c.QueryParam("patient"), "Patient/")
	if ref == "" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("patient", "search parameter is required"))
	}
	pid, err := uuid.Parse(ref)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("patient", "must be a uuid"))
	}
	if sort := c.QueryParam("_sort"); sort != "" && sort != "-date" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("_sort", "only -date is supported"))
	}

	pg := pagination.FromContext(c)
	encs, total, err := h.svc.ListEncountersByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}

	resources := make([]interface{}, len(encs))
	for i, e := range encs {
		resources[i] = e.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, fhir.SearchBundleParams{
		BaseURL:  "/fhir/Encounter",
		QueryStr: "patient=" + pid.String(),
		Count:    pg.Limit,
		Offset:   pg.Offset,
		Total:    total,
	}))
}

func (h *Handler) GetEncounterFHIR(c echo.Context) error {
	enc, err := h.svc.GetEncounterByFHIRID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Encounter", c.Param("id")))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, enc.ToFHIR())
}
