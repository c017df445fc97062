package checkin

import (
	"time"
)

const (
	// PaymentStatusPending is the only status the core ever assigns.
	PaymentStatusPending = "PENDING"

	// WaivedAmount is the line-item price of a fee-waived visit.
	WaivedAmount = "0.000"

	// UnpricedAmount is used when the selected service carries no price at all.
	UnpricedAmount = "0.00"

	// DefaultWaiverWindowDays is the recency window of the consultation waiver.
	DefaultWaiverWindowDays = 7

	visitDateLayout = "02-Jan-2006"
)

// VisitRecord is the most recent visit of a patient as returned by the
// visit lookup. A nil *VisitRecord means the patient has no prior visit.
type VisitRecord struct {
	StartDatetime time.Time `json:"start_datetime"`
	VisitType     string    `json:"visit_type,omitempty"`
	LocationName  string    `json:"location_name,omitempty"`
}

// VisitFacts are derived from a VisitRecord. They carry no waiver decision.
type VisitFacts struct {
	Exists         bool   `json:"exists"`
	DaysSinceStart int    `json:"days_since_start"`
	VisitType      string `json:"visit_type"`
	LocationName   string `json:"location_name"`
	DateFormatted  string `json:"date_formatted"`
}

// Attribute is a visit attribute collected by the check-in form.
type Attribute struct {
	AttributeType string `json:"attribute_type" validate:"required"`
	Value         string `json:"value"`
}

// Price is one price tier of a billable service.
type Price struct {
	UUID            string  `json:"uuid"`
	Name            string  `json:"name"`
	Amount          string  `json:"price"`
	PaymentModeUUID *string `json:"payment_mode,omitempty"`
}

// BillableService is a chargeable service with ordered price tiers.
type BillableService struct {
	UUID   string  `json:"uuid"`
	Name   string  `json:"name"`
	Prices []Price `json:"service_prices"`
}

// CashPoint is a till bills are attributed to.
type CashPoint struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// BillLineItem is a single staged charge.
type BillLineItem struct {
	BillableService string `json:"billableService"`
	Quantity        int    `json:"quantity"`
	Price           string `json:"price"`
	PriceName       string `json:"priceName"`
	PriceUUID       string `json:"priceUuid"`
	LineItemOrder   int    `json:"lineItemOrder"`
	PaymentStatus   string `json:"paymentStatus"`
}

// Payment is a payment recorded against a bill. Drafts never carry any.
type Payment struct {
	Amount       string `json:"amount"`
	InstanceType string `json:"instanceType"`
}

// BillDraft is the unsubmitted bill payload. It is replaced wholesale on
// every recompute and never patched in place.
type BillDraft struct {
	LineItems []BillLineItem `json:"lineItems"`
	CashPoint string         `json:"cashPoint"`
	Patient   string         `json:"patient"`
	Status    string         `json:"status"`
	Payments  []Payment      `json:"payments"`
}

// CreatedBill is what the bill creation collaborator returns on success.
type CreatedBill struct {
	UUID      string    `json:"uuid"`
	Status    string    `json:"status"`
	Total     string    `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// ExtraVisitInfo is handed to the host form whenever the draft changes.
// Draft is nil after a reset or invalidation.
type ExtraVisitInfo struct {
	SessionID   string
	PatientUUID string
	Draft       *BillDraft
	Commit      func() (*CreatedBill, error)
	Attributes  []Attribute
}

// SessionTopic is the event stream topic carrying a session's draft updates.
func SessionTopic(sessionID string) string {
	return "checkin-session:" + sessionID
}
