package checkin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/checkin-billing/internal/platform/notification"
)

func newTestSession(t *testing.T, f *fixture, patient string) *Session {
	t.Helper()
	s := NewSession(context.Background(), "session-1", f.cfg, f.deps())
	t.Cleanup(s.Close)
	if err := s.LoadCatalog(context.Background()); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	s.SetPatient(patient)
	waitVisit(t, s)
	return s
}

func waitVisit(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitVisit(ctx); err != nil {
		t.Fatalf("visit fetch did not resolve: %v", err)
	}
}

func waitNotifications(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitNotifications(ctx); err != nil {
		t.Fatalf("commit notifications did not finish: %v", err)
	}
}

func assertNoConsecutiveDrafted(t *testing.T, s *Session) {
	t.Helper()
	tr := s.Transitions()
	for i := 1; i < len(tr); i++ {
		if tr[i] == StateDrafted && tr[i-1] == StateDrafted {
			t.Fatalf("consecutive drafted states at %d: %v", i, tr)
		}
	}
}

func TestSession_EndToEndPaying(t *testing.T) {
	f := newFixture()
	f.visitDaysAgo("patient-1", 30)
	s := newTestSession(t, f, "patient-1")

	s.SetAttributes([]Attribute{{AttributeType: "category", Value: "general"}})
	s.SetPaymentMode(strPtr(modeCash))
	d, err := s.SelectService("svc-consult")
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	li := d.LineItems[0]
	if li.BillableService != "svc-consult" || li.Price != "15.00" || li.PriceUUID != "p-consult-cash" ||
		li.PaymentStatus != "PENDING" || li.LineItemOrder != 0 {
		t.Errorf("unexpected line item: %+v", li)
	}
	if d.CashPoint != "cash-point-1" {
		t.Errorf("cash point = %q, want first cash point", d.CashPoint)
	}

	last := f.publisher.last()
	if last.Draft == nil || last.Draft.LineItems[0].PriceUUID != "p-consult-cash" {
		t.Errorf("host was not handed the draft: %+v", last)
	}
	if last.Commit == nil {
		t.Error("expected a commit callback")
	}
	if last.SessionID != s.ID || last.PatientUUID != "patient-1" {
		t.Errorf("unexpected session identity %q/%q", last.SessionID, last.PatientUUID)
	}
	if len(last.Attributes) != 1 {
		t.Errorf("expected attributes to be handed over, got %v", last.Attributes)
	}
}

func TestSession_RecentVisitIsWaived(t *testing.T) {
	f := newFixture()
	f.visitDaysAgo("patient-1", 3)
	s := newTestSession(t, f, "patient-1")

	s.SetPaymentMode(strPtr(modeCash))
	d, err := s.SelectService("svc-consult")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.LineItems[0].Price != "0.000" {
		t.Errorf("price = %s, want 0.000", d.LineItems[0].Price)
	}
	snap := s.Snapshot()
	if !snap.Waived || snap.Visit == nil || snap.Visit.DaysSinceStart != 3 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestSession_NonPaying(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")

	s.SetAttributes([]Attribute{{AttributeType: "category", Value: exemptConcept}})
	for _, mode := range []*string{nil, strPtr(modeCash), strPtr(modeInsurance)} {
		s.SetPaymentMode(mode)
		if n := len(s.Snapshot().EligibleServices); n != 0 {
			t.Errorf("mode %v: expected no eligible services, got %d", mode, n)
		}
		if _, err := s.SelectService("svc-consult"); !errors.Is(err, ErrNonPayingEncounter) {
			t.Errorf("expected ErrNonPayingEncounter, got %v", err)
		}
	}
	for _, st := range s.Transitions() {
		if st == StateDrafted {
			t.Fatal("non-paying session must never reach drafted")
		}
	}
	if s.Snapshot().Draft != nil {
		t.Error("expected nil draft")
	}
}

func TestSession_NonPayingFlipInvalidates(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-consult"); err != nil {
		t.Fatalf("select: %v", err)
	}

	s.SetAttributes([]Attribute{{AttributeType: "category", Value: exemptConcept}})
	snap := s.Snapshot()
	if snap.Draft != nil || snap.State != StateEmpty {
		t.Errorf("expected draft cleared, got state=%s draft=%+v", snap.State, snap.Draft)
	}
	if f.publisher.last().Draft != nil {
		t.Error("host should have been handed a nil draft")
	}
}

func TestSession_AttributeChangeWithoutFlipKeepsDraft(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-consult"); err != nil {
		t.Fatalf("select: %v", err)
	}

	s.SetAttributes([]Attribute{{AttributeType: "visit-reason", Value: "follow-up"}})
	if s.Snapshot().Draft == nil {
		t.Error("unrelated attribute change must not clear the draft")
	}
	if got := f.publisher.last().Attributes; len(got) != 1 || got[0].Value != "follow-up" {
		t.Errorf("host should see current attributes, got %v", got)
	}
}

func TestSession_PaymentModeChangeInvalidates(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-consult"); err != nil {
		t.Fatalf("select: %v", err)
	}

	s.SetPaymentMode(strPtr(modeCash))
	if s.Snapshot().Draft == nil {
		t.Fatal("setting the same mode must not clear the draft")
	}

	s.SetPaymentMode(strPtr(modeInsurance))
	snap := s.Snapshot()
	if snap.Draft != nil || snap.State != StateEmpty {
		t.Errorf("expected empty after mode change, got %s", snap.State)
	}
	d, err := s.SelectService("svc-consult")
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if d.LineItems[0].Price != "25.00" {
		t.Errorf("price = %s, want insurance tier 25.00", d.LineItems[0].Price)
	}
	assertNoConsecutiveDrafted(t, s)
}

func TestSession_ReselectPassesThroughEmpty(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))

	for _, svc := range []string{"svc-consult", "svc-lab", "svc-consult"} {
		if _, err := s.SelectService(svc); err != nil {
			t.Fatalf("select %s: %v", svc, err)
		}
	}
	s.SetPaymentMode(strPtr(modeInsurance))
	if _, err := s.SelectService("svc-xray"); err != nil {
		t.Fatalf("select xray: %v", err)
	}
	s.Reset()

	assertNoConsecutiveDrafted(t, s)
	if s.Snapshot().State != StateEmpty {
		t.Error("expected empty after reset")
	}
}

func TestSession_SelectionValidation(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")

	if _, err := s.SelectService("svc-consult"); !errors.Is(err, ErrNoPaymentMode) {
		t.Errorf("expected ErrNoPaymentMode, got %v", err)
	}
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-xray"); !errors.Is(err, ErrServiceNotEligible) {
		t.Errorf("expected ErrServiceNotEligible for insurance-only service, got %v", err)
	}
	if _, err := s.SelectService("svc-empty"); !errors.Is(err, ErrServiceNotEligible) {
		t.Errorf("expected ErrServiceNotEligible for unpriced service, got %v", err)
	}
	if _, err := s.SelectService("unknown"); !errors.Is(err, ErrServiceNotEligible) {
		t.Errorf("expected ErrServiceNotEligible for unknown service, got %v", err)
	}
}

func TestSession_CatalogFailureBlocks(t *testing.T) {
	f := newFixture()
	f.catalog.err = errUpstream
	s := NewSession(context.Background(), "session-1", f.cfg, f.deps())
	defer s.Close()

	err := s.LoadCatalog(context.Background())
	if !errors.Is(err, ErrCatalogUnavailable) || !errors.Is(err, errUpstream) {
		t.Fatalf("expected wrapped catalog error, got %v", err)
	}
	s.SetPatient("patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-consult"); !errors.Is(err, ErrCatalogUnavailable) {
		t.Errorf("expected selection to be blocked, got %v", err)
	}
	if s.Snapshot().CatalogError == "" {
		t.Error("expected catalog error in snapshot")
	}

	f.catalog.err = nil
	if err := s.LoadCatalog(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := s.SelectService("svc-consult"); err != nil {
		t.Errorf("expected selection after recovery, got %v", err)
	}
}

func TestSession_NoCashPoint(t *testing.T) {
	f := newFixture()
	f.catalog.points = nil
	s := NewSession(context.Background(), "session-1", f.cfg, f.deps())
	defer s.Close()

	err := s.LoadCatalog(context.Background())
	if !errors.Is(err, ErrNoCashPoint) {
		t.Errorf("expected ErrNoCashPoint, got %v", err)
	}
}

func TestSession_VisitFetchFailureDegrades(t *testing.T) {
	f := newFixture()
	f.visits.errs["patient-1"] = errUpstream
	s := newTestSession(t, f, "patient-1")

	snap := s.Snapshot()
	if snap.Waived || snap.Visit != nil || !snap.VisitKnown {
		t.Errorf("expected resolved fetch without waiver, got %+v", snap)
	}
	s.SetPaymentMode(strPtr(modeCash))
	d, err := s.SelectService("svc-consult")
	if err != nil {
		t.Fatalf("selection must not be blocked by visit failure: %v", err)
	}
	if d.LineItems[0].Price != "15.00" {
		t.Errorf("price = %s, want 15.00", d.LineItems[0].Price)
	}
}

func TestSession_LateWaiverInvalidatesDraft(t *testing.T) {
	f := newFixture()
	f.visitDaysAgo("patient-1", 2)
	release := f.visits.hold("patient-1")

	s := NewSession(context.Background(), "session-1", f.cfg, f.deps())
	defer s.Close()
	if err := s.LoadCatalog(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.SetPatient("patient-1")
	s.SetPaymentMode(strPtr(modeCash))

	d, err := s.SelectService("svc-consult")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if d.LineItems[0].Price != "15.00" {
		t.Errorf("waiver unknown, price = %s, want 15.00", d.LineItems[0].Price)
	}

	release()
	waitVisit(t, s)

	snap := s.Snapshot()
	if snap.Draft != nil || snap.State != StateEmpty {
		t.Fatalf("expected waiver flip to clear the draft, got %s", snap.State)
	}
	d, err = s.SelectService("svc-consult")
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if d.LineItems[0].Price != "0.000" {
		t.Errorf("price = %s, want waived 0.000", d.LineItems[0].Price)
	}
	assertNoConsecutiveDrafted(t, s)
}

func TestSession_StaleVisitDiscarded(t *testing.T) {
	f := newFixture()
	f.visitDaysAgo("patient-old", 1)
	release := f.visits.hold("patient-old")

	s := NewSession(context.Background(), "session-1", f.cfg, f.deps())
	defer s.Close()
	if err := s.LoadCatalog(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.SetPatient("patient-old")
	s.mu.Lock()
	staleDone := s.visitDone
	s.mu.Unlock()

	s.SetPatient("patient-new")
	waitVisit(t, s)

	release()
	select {
	case <-staleDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stale fetch did not finish")
	}

	snap := s.Snapshot()
	if snap.PatientUUID != "patient-new" {
		t.Fatalf("patient = %s", snap.PatientUUID)
	}
	if snap.Waived || snap.Visit != nil {
		t.Errorf("stale visit of another patient was applied: %+v", snap.Visit)
	}
}

func TestSession_PatientChangeInvalidates(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-consult"); err != nil {
		t.Fatalf("select: %v", err)
	}
	s.SetPatient("patient-2")
	if s.Snapshot().Draft != nil {
		t.Error("expected draft cleared on patient change")
	}
}

func TestSession_CommitSuccess(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-consult"); err != nil {
		t.Fatalf("select: %v", err)
	}

	bill, err := s.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if bill.UUID != "bill-1" {
		t.Errorf("bill = %+v", bill)
	}
	waitNotifications(t, s)
	if got := f.notifier.types(); len(got) != 1 || got[0] != notification.EventCommitSucceeded {
		t.Errorf("events = %v", got)
	}
	snap := s.Snapshot()
	if snap.Draft != nil || snap.LastBill == nil {
		t.Errorf("expected committed draft cleared and bill recorded, got %+v", snap)
	}
	if _, err := s.Commit(context.Background()); !errors.Is(err, ErrNoDraft) {
		t.Errorf("expected ErrNoDraft on second commit, got %v", err)
	}
}

func TestSession_CommitFailureKeepsDraft(t *testing.T) {
	f := newFixture()
	f.bills.err = errUpstream
	f.notifier.err = errors.New("notifier down")
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	staged, err := s.SelectService("svc-consult")
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	if _, err := s.Commit(context.Background()); !errors.Is(err, ErrCommitFailed) || !errors.Is(err, errUpstream) {
		t.Fatalf("expected wrapped commit failure, got %v", err)
	}
	waitNotifications(t, s)
	if got := f.notifier.types(); len(got) != 1 || got[0] != notification.EventCommitFailed {
		t.Errorf("events = %v", got)
	}
	snap := s.Snapshot()
	if snap.Draft == nil || snap.State != StateDrafted {
		t.Fatal("draft must stay staged after a failed commit")
	}

	f.bills.err = nil
	if _, err := s.Commit(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(f.bills.payloads) != 2 {
		t.Fatalf("expected 2 create calls, got %d", len(f.bills.payloads))
	}
	if f.bills.payloads[0].LineItems[0] != staged.LineItems[0] || f.bills.payloads[1].LineItems[0] != staged.LineItems[0] {
		t.Error("retry must reuse the same payload")
	}
}

func TestSession_CommitCallback(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-lab"); err != nil {
		t.Fatalf("select: %v", err)
	}

	info := f.publisher.last()
	bill, err := info.Commit()
	if err != nil {
		t.Fatalf("commit callback: %v", err)
	}
	if bill.Total != "30.00" {
		t.Errorf("total = %s, want 30.00", bill.Total)
	}
}

func TestSession_CommitDoesNotWaitForNotifier(t *testing.T) {
	f := newFixture()
	release := f.notifier.hold()
	defer release()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	if _, err := s.SelectService("svc-consult"); err != nil {
		t.Fatalf("select: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan error, 1)
	go func() {
		_, err := s.Commit(ctx)
		returned <- err
	}()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("commit blocked on notification delivery")
	}

	// The caller going away must not cancel the pending notification.
	cancel()
	release()
	waitNotifications(t, s)
	if got := f.notifier.types(); len(got) != 1 || got[0] != notification.EventCommitSucceeded {
		t.Errorf("events = %v", got)
	}
	if err := f.notifier.lastCtxErr(); err != nil {
		t.Errorf("notification ran on a cancelled context: %v", err)
	}
}

func TestSession_TransitionLogIsBounded(t *testing.T) {
	f := newFixture()
	s := newTestSession(t, f, "patient-1")
	s.SetPaymentMode(strPtr(modeCash))
	for i := 0; i < 3*transitionLogSize; i++ {
		if _, err := s.SelectService("svc-consult"); err != nil {
			t.Fatalf("select: %v", err)
		}
	}

	tr := s.Transitions()
	if len(tr) != transitionLogSize {
		t.Fatalf("transition log length = %d, want %d", len(tr), transitionLogSize)
	}
	if tr[len(tr)-1] != StateDrafted {
		t.Errorf("last transition = %s, want %s", tr[len(tr)-1], StateDrafted)
	}
	assertNoConsecutiveDrafted(t, s)
}
