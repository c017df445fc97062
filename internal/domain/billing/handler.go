package billing

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
	"github.com/ehr/checkin-billing/internal/platform/auth"
	"github.com/ehr/checkin-billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "billing", "front_desk"))
	read.GET("/cash-points", h.ListCashPoints)
	read.GET("/billable-services", h.ListBillableServices)
	read.GET("/bills", h.ListBills)
	read.GET("/bills/:id", h.GetBill)

	write := api.Group("", auth.RequireRole("admin", "billing"))
	write.POST("/bills", h.CreateBill)
}

type lineItemRequest struct {
	BillableService string `json:"billableService" validate:"required"`
	Quantity        int    `json:"quantity" validate:"required,gt=0"`
	Price           string `json:"price" validate:"required,amount"`
	PriceName       string `json:"priceName"`
	PriceUUID       string `json:"priceUuid"`
	LineItemOrder   int    `json:"lineItemOrder" validate:"gte=0"`
	PaymentStatus   string `json:"paymentStatus" validate:"omitempty,oneof=PENDING"`
}

type billRequest struct {
	LineItems []lineItemRequest `json:"lineItems" validate:"required,min=1,dive"`
	CashPoint string            `json:"cashPoint" validate:"required"`
	Patient   string            `json:"patient" validate:"required,uuid"`
	Status    string            `json:"status" validate:"omitempty,oneof=PENDING"`
}

func (r *billRequest) draft() *checkin.BillDraft {
	d := &checkin.BillDraft{
		CashPoint: r.CashPoint,
		Patient:   r.Patient,
		Status:    r.Status,
		Payments:  []checkin.Payment{},
	}
	if d.Status == "" {
		d.Status = checkin.PaymentStatusPending
	}
	for _, li := range r.LineItems {
		status := li.PaymentStatus
		if status == "" {
			status = checkin.PaymentStatusPending
		}
		d.LineItems = append(d.LineItems, checkin.BillLineItem{
			BillableService: li.BillableService,
			Quantity:        li.Quantity,
			Price:           li.Price,
			PriceName:       li.PriceName,
			PriceUUID:       li.PriceUUID,
			LineItemOrder:   li.LineItemOrder,
			PaymentStatus:   status,
		})
	}
	return d
}

func (h *Handler) ListCashPoints(c echo.Context) error {
	cps, err := h.svc.CashPoints(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": cps})
}

// ListBillableServices returns the full catalog, or only the services priced
// for payment_mode when that query parameter is present.
func (h *Handler) ListBillableServices(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		svcs []checkin.BillableService
		err  error
	)
	if mode := c.QueryParam("payment_mode"); mode != "" {
		svcs, err = h.svc.EligibleServices(ctx, &mode)
	} else {
		svcs, err = h.svc.BillableServices(ctx)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": svcs})
}

func (h *Handler) CreateBill(c echo.Context) error {
	var req billRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := h.svc.CreateBill(c.Request().Context(), req.draft())
	if errors.Is(err, ErrInvalidBill) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.GetBill(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrLedgerDisabled):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "bill not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBills(c echo.Context) error {
	patient := c.QueryParam("patient_id")
	if _, err := uuid.Parse(patient); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id must be a uuid")
	}
	pg := pagination.FromContext(c)
	bills, total, err := h.svc.ListBillsByPatient(c.Request().Context(), patient, pg.Limit, pg.Offset)
	switch {
	case errors.Is(err, ErrLedgerDisabled):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(bills, total, pg.Limit, pg.Offset))
}
