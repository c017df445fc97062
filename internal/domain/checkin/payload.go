package checkin

// BuildInput collects everything the draft depends on.
type BuildInput struct {
	Service     BillableService
	PaymentMode *string
	CashPoint   string
	Patient     string
	Waived      bool
}

// BuildDraft assembles a single line item draft. A waived visit is charged
// WaivedAmount regardless of the resolved tier.
func BuildDraft(in BuildInput) *BillDraft {
	price, ok := ResolvePrice(in.Service, in.PaymentMode)

	amount := price.Amount
	switch {
	case in.Waived:
		amount = WaivedAmount
	case !ok:
		amount = UnpricedAmount
	}

	return &BillDraft{
		LineItems: []BillLineItem{{
			BillableService: in.Service.UUID,
			Quantity:        1,
			Price:           amount,
			PriceName:       price.Name,
			PriceUUID:       price.UUID,
			LineItemOrder:   0,
			PaymentStatus:   PaymentStatusPending,
		}},
		CashPoint: in.CashPoint,
		Patient:   in.Patient,
		Status:    PaymentStatusPending,
		Payments:  []Payment{},
	}
}
