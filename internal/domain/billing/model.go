package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
)

var (
	ErrNotFound       = errors.New("bill not found")
	ErrInvalidBill    = errors.New("invalid bill")
	ErrLedgerDisabled = errors.New("bill ledger not available for this billing source")
)

// CashPoint maps to the cash_point table.
type CashPoint struct {
	UUID         string  `db:"uuid" json:"uuid"`
	Name         string  `db:"name" json:"name"`
	LocationName *string `db:"location_name" json:"location_name,omitempty"`
	Retired      bool    `db:"retired" json:"retired"`
}

func (cp *CashPoint) ToCheckin() checkin.CashPoint {
	return checkin.CashPoint{UUID: cp.UUID, Name: cp.Name, Location: strVal(cp.LocationName)}
}

// BillableService maps to the billable_service table; Prices come from
// service_price ordered by sort_order.
type BillableService struct {
	UUID          string          `db:"uuid" json:"uuid"`
	Name          string          `db:"name" json:"name"`
	ShortName     *string         `db:"short_name" json:"short_name,omitempty"`
	ServiceStatus string          `db:"service_status" json:"service_status"`
	Prices        []*ServicePrice `json:"service_prices"`
}

// ServicePrice maps to the service_price table. PaymentModeUUID is nil for a
// price that applies to no particular payment mode.
type ServicePrice struct {
	UUID            string          `db:"uuid" json:"uuid"`
	ServiceUUID     string          `db:"service_uuid" json:"service_uuid"`
	Name            string          `db:"name" json:"name"`
	Price           decimal.Decimal `db:"price" json:"price"`
	PaymentModeUUID *string         `db:"payment_mode_uuid" json:"payment_mode_uuid,omitempty"`
	SortOrder       int             `db:"sort_order" json:"sort_order"`
}

func (s *BillableService) ToCheckin() checkin.BillableService {
	out := checkin.BillableService{UUID: s.UUID, Name: s.Name}
	for _, p := range s.Prices {
		out.Prices = append(out.Prices, checkin.Price{
			UUID:            p.UUID,
			Name:            p.Name,
			Amount:          p.Price.StringFixed(2),
			PaymentModeUUID: p.PaymentModeUUID,
		})
	}
	return out
}

// Bill maps to the bill table.
type Bill struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	PatientUUID   string          `db:"patient_uuid" json:"patient_uuid"`
	CashPointUUID string          `db:"cash_point_uuid" json:"cash_point_uuid"`
	Status        string          `db:"status" json:"status"`
	Total         decimal.Decimal `db:"total" json:"total"`
	CreatedBy     *string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	LineItems     []*LineItem     `json:"line_items"`
}

// LineItem maps to the bill_line_item table.
type LineItem struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	BillID              uuid.UUID       `db:"bill_id" json:"bill_id"`
	BillableServiceUUID string          `db:"billable_service_uuid" json:"billable_service_uuid"`
	Quantity            int             `db:"quantity" json:"quantity"`
	Price               decimal.Decimal `db:"price" json:"price"`
	PriceName           string          `db:"price_name" json:"price_name"`
	PriceUUID           string          `db:"price_uuid" json:"price_uuid"`
	LineItemOrder       int             `db:"line_item_order" json:"line_item_order"`
	PaymentStatus       string          `db:"payment_status" json:"payment_status"`
}

// BillFromDraft validates a draft and converts it into a Bill with its total
// computed. Amounts must be non-negative decimals and quantities positive.
func BillFromDraft(d *checkin.BillDraft) (*Bill, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: empty draft", ErrInvalidBill)
	}
	if d.Patient == "" {
		return nil, fmt.Errorf("%w: patient is required", ErrInvalidBill)
	}
	if d.CashPoint == "" {
		return nil, fmt.Errorf("%w: cash point is required", ErrInvalidBill)
	}
	if len(d.LineItems) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", ErrInvalidBill)
	}

	status := d.Status
	if status == "" {
		status = checkin.PaymentStatusPending
	}
	b := &Bill{
		PatientUUID:   d.Patient,
		CashPointUUID: d.CashPoint,
		Status:        status,
		Total:         decimal.Zero,
	}
	for i, li := range d.LineItems {
		price, err := decimal.NewFromString(li.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d price %q: %v", ErrInvalidBill, i, li.Price, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("%w: line %d price is negative", ErrInvalidBill, i)
		}
		if li.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidBill, i)
		}
		if li.BillableService == "" {
			return nil, fmt.Errorf("%w: line %d billable service is required", ErrInvalidBill, i)
		}
		b.LineItems = append(b.LineItems, &LineItem{
			BillableServiceUUID: li.BillableService,
			Quantity:            li.Quantity,
			Price:               price,
			PriceName:           li.PriceName,
			PriceUUID:           li.PriceUUID,
			LineItemOrder:       li.LineItemOrder,
			PaymentStatus:       li.PaymentStatus,
		})
		b.Total = b.Total.Add(price.Mul(decimal.NewFromInt(int64(li.Quantity))))
	}
	return b, nil
}

func (b *Bill) ToCreated() *checkin.CreatedBill {
	return &checkin.CreatedBill{
		UUID:      b.ID.String(),
		Status:    b.Status,
		Total:     b.Total.StringFixed(2),
		CreatedAt: b.CreatedAt,
	}
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
