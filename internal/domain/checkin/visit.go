package checkin

import (
	"math"
	"time"
)

// EvaluateVisit derives recency facts from the most recent visit. A nil
// record or a zero start time yields nil.
//
// The day count is the ceiling of the absolute elapsed time in days, so a
// visit that started earlier today counts as day 1.
func EvaluateVisit(rec *VisitRecord, now time.Time) *VisitFacts {
	if rec == nil || rec.StartDatetime.IsZero() {
		return nil
	}

	elapsed := now.Sub(rec.StartDatetime)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	days := int(math.Ceil(elapsed.Hours() / 24))

	return &VisitFacts{
		Exists:         true,
		DaysSinceStart: days,
		VisitType:      rec.VisitType,
		LocationName:   rec.LocationName,
		DateFormatted:  rec.StartDatetime.Format(visitDateLayout),
	}
}

// WaiverPolicy decides the recency fee waiver from visit facts.
type WaiverPolicy struct {
	WindowDays int
}

// DefaultWaiverPolicy returns the seven day inclusive window.
func DefaultWaiverPolicy() WaiverPolicy {
	return WaiverPolicy{WindowDays: DefaultWaiverWindowDays}
}

// IsWaived reports whether the consultation fee is waived. The window is
// inclusive: a visit counted as day 7 is still waived, day 8 is not.
func (p WaiverPolicy) IsWaived(facts *VisitFacts) bool {
	if facts == nil || !facts.Exists {
		return false
	}
	window := p.WindowDays
	if window <= 0 {
		window = DefaultWaiverWindowDays
	}
	return facts.DaysSinceStart <= window
}
