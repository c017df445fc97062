package checkin

import "errors"

var (
	ErrCatalogUnavailable = errors.New("billing catalog unavailable")
	ErrNoCashPoint        = errors.New("no cash point configured")
	ErrNoPaymentMode      = errors.New("payment mode not selected")
	ErrNonPayingEncounter = errors.New("encounter is non-paying")
	ErrServiceNotEligible = errors.New("service not eligible for payment mode")
	ErrPatientNotSet      = errors.New("patient not set")
	ErrNoDraft            = errors.New("no draft staged")
	ErrCommitFailed       = errors.New("bill commit failed")
	ErrSessionNotFound    = errors.New("check-in session not found")
)
