package checkin

// FilterServices narrows the catalog to the services selectable under the
// given payment mode. Nothing is selectable for a non-paying encounter or
// before a payment mode is chosen. Catalog order is preserved.
func FilterServices(catalog []BillableService, paymentMode *string, nonPaying bool) []BillableService {
	if nonPaying || paymentMode == nil || *paymentMode == "" {
		return []BillableService{}
	}

	eligible := make([]BillableService, 0, len(catalog))
	for _, svc := range catalog {
		if hasPriceForMode(svc, *paymentMode) {
			eligible = append(eligible, svc)
		}
	}
	return eligible
}

func hasPriceForMode(svc BillableService, mode string) bool {
	for _, p := range svc.Prices {
		if p.PaymentModeUUID != nil && *p.PaymentModeUUID == mode {
			return true
		}
	}
	return false
}

func findService(services []BillableService, uuid string) (BillableService, bool) {
	for _, svc := range services {
		if svc.UUID == uuid {
			return svc, true
		}
	}
	return BillableService{}, false
}
