package billing

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
)

// restClient is the part of upstream.Client the REST source uses.
type restClient interface {
	GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error
	PostJSON(ctx context.Context, path string, body, out interface{}) error
}

// RESTSource reads the catalog from and posts bills to the OpenMRS billing
// module REST API (.../ws/rest/v1/billing).
type RESTSource struct {
	client restClient
}

func NewRESTSource(client restClient) *RESTSource {
	return &RESTSource{client: client}
}

type restRef struct {
	UUID    string `json:"uuid"`
	Display string `json:"display,omitempty"`
	Name    string `json:"name,omitempty"`
}

type restCashPoint struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	Location *restRef `json:"location,omitempty"`
	Retired  bool     `json:"retired"`
}

type restServicePrice struct {
	UUID        string      `json:"uuid"`
	Name        string      `json:"name"`
	Price       interface{} `json:"price"`
	PaymentMode *restRef    `json:"paymentMode,omitempty"`
}

type restBillableService struct {
	UUID          string             `json:"uuid"`
	Name          string             `json:"name"`
	ServiceStatus string             `json:"serviceStatus"`
	ServicePrices []restServicePrice `json:"servicePrices"`
}

type restResults[T any] struct {
	Results []T `json:"results"`
}

type restBill struct {
	UUID        string `json:"uuid"`
	Status      string `json:"status"`
	DateCreated string `json:"dateCreated"`
	LineItems   []struct {
		Price    interface{} `json:"price"`
		Quantity int         `json:"quantity"`
	} `json:"lineItems"`
}

const serviceRepresentation = "custom:(uuid,name,serviceStatus,servicePrices:(uuid,name,price,paymentMode:(uuid,name)))"

func (s *RESTSource) CashPoints(ctx context.Context) ([]checkin.CashPoint, error) {
	var res restResults[restCashPoint]
	if err := s.client.GetJSON(ctx, "cashPoint", url.Values{"v": {"full"}}, &res); err != nil {
		return nil, fmt.Errorf("list cash points: %w", err)
	}
	out := make([]checkin.CashPoint, 0, len(res.Results))
	for _, cp := range res.Results {
		if cp.Retired {
			continue
		}
		c := checkin.CashPoint{UUID: cp.UUID, Name: cp.Name}
		if cp.Location != nil {
			c.Location = cp.Location.Display
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RESTSource) BillableServices(ctx context.Context) ([]checkin.BillableService, error) {
	var res restResults[restBillableService]
	if err := s.client.GetJSON(ctx, "billableService", url.Values{"v": {serviceRepresentation}}, &res); err != nil {
		return nil, fmt.Errorf("list billable services: %w", err)
	}
	out := make([]checkin.BillableService, 0, len(res.Results))
	for _, svc := range res.Results {
		if svc.ServiceStatus != "" && svc.ServiceStatus != "ENABLED" {
			continue
		}
		bs := checkin.BillableService{UUID: svc.UUID, Name: svc.Name}
		for _, p := range svc.ServicePrices {
			price := checkin.Price{UUID: p.UUID, Name: p.Name, Amount: amountString(p.Price)}
			if p.PaymentMode != nil && p.PaymentMode.UUID != "" {
				mode := p.PaymentMode.UUID
				price.PaymentModeUUID = &mode
			}
			bs.Prices = append(bs.Prices, price)
		}
		out = append(out, bs)
	}
	return out, nil
}

// CreateBill validates the draft locally, then posts it verbatim.
func (s *RESTSource) CreateBill(ctx context.Context, d *checkin.BillDraft) (*checkin.CreatedBill, error) {
	local, err := BillFromDraft(d)
	if err != nil {
		return nil, err
	}
	var created restBill
	if err := s.client.PostJSON(ctx, "bill", d, &created); err != nil {
		return nil, fmt.Errorf("create bill: %w", err)
	}

	out := &checkin.CreatedBill{
		UUID:   created.UUID,
		Status: created.Status,
		Total:  local.Total.StringFixed(2),
	}
	if out.Status == "" {
		out.Status = local.Status
	}
	if t, err := time.Parse(openmrsDateLayout, created.DateCreated); err == nil {
		out.CreatedAt = t
	}
	return out, nil
}

const openmrsDateLayout = "2006-01-02T15:04:05.000-0700"

// amountString normalises a price that the API may send as number or string.
func amountString(v interface{}) string {
	switch p := v.(type) {
	case string:
		return p
	case float64:
		d := decimal.NewFromFloat(p)
		if d.Exponent() >= -2 {
			return d.StringFixed(2)
		}
		return d.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(p)
	}
}
