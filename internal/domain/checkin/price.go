package checkin

// NoPrice is returned by ResolvePrice for a service without any price tier.
var NoPrice = Price{Amount: WaivedAmount}

// ResolvePrice picks the price tier matching the payment mode. When no tier
// matches, the first tier is used; catalogs are expected to always carry a
// mode specific tier, so the fallback only covers incomplete catalog data.
// The boolean is false only when the service has no prices.
func ResolvePrice(svc BillableService, paymentMode *string) (Price, bool) {
	if len(svc.Prices) == 0 {
		return NoPrice, false
	}
	if paymentMode != nil {
		for _, p := range svc.Prices {
			if p.PaymentModeUUID != nil && *p.PaymentModeUUID == *paymentMode {
				return p, true
			}
		}
	}
	return svc.Prices[0], true
}
