package checkin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/checkin-billing/internal/platform/notification"
)

// State of the draft lifecycle.
type State string

const (
	StateEmpty   State = "empty"
	StateDrafted State = "drafted"
)

// VisitLookup returns the most recent visit of a patient, or nil when the
// patient has none.
type VisitLookup interface {
	MostRecentVisit(ctx context.Context, patientUUID string) (*VisitRecord, error)
}

// Catalog is the read-only billing catalog.
type Catalog interface {
	CashPoints(ctx context.Context) ([]CashPoint, error)
	BillableServices(ctx context.Context) ([]BillableService, error)
}

// BillCreator submits a draft as a real bill.
type BillCreator interface {
	CreateBill(ctx context.Context, draft *BillDraft) (*CreatedBill, error)
}

// Publisher receives the current draft whenever it changes. It is called
// with the session lock held and must not call back into the session
// synchronously.
type Publisher interface {
	SetExtraVisitInfo(info ExtraVisitInfo)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ExtraVisitInfo)

func (f PublisherFunc) SetExtraVisitInfo(info ExtraVisitInfo) { f(info) }

// Notifier receives commit outcome events.
type Notifier interface {
	Notify(ctx context.Context, e notification.Event) error
}

// Config holds the host configuration the core depends on.
type Config struct {
	NonPayingValue string
	Waiver         WaiverPolicy
	Now            func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Deps are the collaborators of a session. Publisher and Notifier are
// optional.
type Deps struct {
	Visits    VisitLookup
	Catalog   Catalog
	Bills     BillCreator
	Publisher Publisher
	Notifier  Notifier
	Logger    zerolog.Logger
}

// visitToken identifies one visit fetch. A result is applied only while the
// token is still current.
type visitToken struct {
	patient    string
	generation uint64
}

// Session is the billing state of one check-in form. Events are serialized
// by the session mutex; the visit fetch is the only asynchronous step.
type Session struct {
	ID string

	cfg    Config
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	patient     string
	token       visitToken
	visitDone   chan struct{}
	visitKnown  bool
	visitFacts  *VisitFacts
	paymentMode *string
	attributes  []Attribute
	services    []BillableService
	cashPoint   string
	catalogErr  error

	nonPaying bool
	waived    bool
	eligible  []BillableService

	state       State
	draft       *BillDraft
	selected    string
	lastBill    *CreatedBill
	transitions []State
	updatedAt   time.Time

	notifying sync.WaitGroup
}

// notifyTimeout bounds one commit notification, independent of the request
// that triggered it.
const notifyTimeout = 30 * time.Second

// transitionLogSize is how many lifecycle states Transitions remembers.
const transitionLogSize = 64

// NewSession creates an empty session. Background work started by the
// session stops when ctx is cancelled or Close is called.
func NewSession(ctx context.Context, id string, cfg Config, deps Deps) *Session {
	if cfg.Waiver.WindowDays <= 0 {
		cfg.Waiver = DefaultWaiverPolicy()
	}
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	close(done)
	s := &Session{
		ID:          id,
		cfg:         cfg,
		deps:        deps,
		ctx:         sctx,
		cancel:      cancel,
		visitDone:   done,
		state:       StateEmpty,
		transitions: append(make([]State, 0, transitionLogSize), StateEmpty),
	}
	s.updatedAt = cfg.now()
	return s
}

// Close stops background work. Pending visit results are discarded.
func (s *Session) Close() {
	s.cancel()
}

// LoadCatalog loads cash points and billable services. Failure is blocking:
// no draft can be built until a later load succeeds.
func (s *Session) LoadCatalog(ctx context.Context) error {
	points, err := s.deps.Catalog.CashPoints(ctx)
	if err == nil && len(points) == 0 {
		err = ErrNoCashPoint
	}
	var services []BillableService
	if err == nil {
		services, err = s.deps.Catalog.BillableServices(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	if err != nil {
		s.catalogErr = fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
		s.services = nil
		s.cashPoint = ""
		s.deps.Logger.Error().Err(err).Str("session_id", s.ID).Msg("billing catalog load failed")
		s.derive()
		s.invalidate("catalog")
		return s.catalogErr
	}

	s.catalogErr = nil
	s.cashPoint = points[0].UUID
	s.services = services
	s.derive()
	if s.draft != nil {
		if _, ok := findService(s.eligible, s.selected); !ok {
			s.invalidate("catalog")
		}
	}
	return nil
}

// SetPatient switches the session to a patient and starts the visit history
// fetch. Any previous fetch result is discarded when it arrives.
func (s *Session) SetPatient(patientUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	if patientUUID == s.patient {
		return
	}

	s.patient = patientUUID
	s.token = visitToken{patient: patientUUID, generation: s.token.generation + 1}
	s.visitFacts = nil
	s.visitKnown = false
	s.derive()
	s.invalidate("patient")

	if patientUUID == "" || s.deps.Visits == nil {
		s.visitKnown = true
		return
	}
	done := make(chan struct{})
	s.visitDone = done
	go s.fetchVisit(s.token, done)
}

func (s *Session) fetchVisit(tok visitToken, done chan struct{}) {
	defer close(done)
	rec, err := s.deps.Visits.MostRecentVisit(s.ctx, tok.patient)
	s.applyVisit(tok, rec, err)
}

func (s *Session) applyVisit(tok visitToken, rec *VisitRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok != s.token {
		s.deps.Logger.Debug().
			Str("session_id", s.ID).
			Str("patient_id", tok.patient).
			Msg("discarding stale visit history")
		return
	}

	s.visitKnown = true
	if err != nil {
		s.deps.Logger.Warn().Err(err).
			Str("session_id", s.ID).
			Str("patient_id", tok.patient).
			Msg("visit history unavailable, fee waiver not applied")
		s.visitFacts = nil
	} else {
		s.visitFacts = EvaluateVisit(rec, s.cfg.now())
	}

	if s.derive() {
		s.invalidate("waiver")
	}
}

// WaitVisit blocks until the current visit fetch has resolved.
func (s *Session) WaitVisit(ctx context.Context) error {
	s.mu.Lock()
	done := s.visitDone
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPaymentMode records the payment mode. A nil or empty mode unsets it.
func (s *Session) SetPaymentMode(mode *string) {
	if mode != nil && *mode == "" {
		mode = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	changed := !sameMode(s.paymentMode, mode)
	if mode != nil {
		m := *mode
		mode = &m
	}
	s.paymentMode = mode
	if s.derive() || changed {
		s.invalidate("payment_mode")
	}
}

// SetAttributes replaces the collected attribute set.
func (s *Session) SetAttributes(attrs []Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	s.attributes = MergeAttributes(attrs)
	if s.derive() {
		s.invalidate("attributes")
		return
	}
	s.publish()
}

// SelectService stages a fresh draft for the given service. An existing
// draft is cleared first, so the lifecycle always passes through Empty.
func (s *Session) SelectService(serviceUUID string) (*BillDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	switch {
	case s.catalogErr != nil:
		return nil, s.catalogErr
	case s.patient == "":
		return nil, ErrPatientNotSet
	case s.nonPaying:
		return nil, ErrNonPayingEncounter
	case s.paymentMode == nil:
		return nil, ErrNoPaymentMode
	}

	svc, ok := findService(s.eligible, serviceUUID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotEligible, serviceUUID)
	}

	if s.state == StateDrafted {
		s.invalidate("reselect")
	}

	s.draft = BuildDraft(BuildInput{
		Service:     svc,
		PaymentMode: s.paymentMode,
		CashPoint:   s.cashPoint,
		Patient:     s.patient,
		Waived:      s.waived,
	})
	s.selected = svc.UUID
	s.enter(StateDrafted)
	s.publish()

	return cloneDraft(s.draft), nil
}

// Reset clears the draft.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.invalidate("reset")
}

// Commit submits the staged draft. Success and failure are both announced
// through the notifier without waiting for delivery; a failed commit keeps the
// draft so it can be retried with the same payload. A committed draft is
// cleared.
func (s *Session) Commit(ctx context.Context) (*CreatedBill, error) {
	s.mu.Lock()
	s.touch()
	staged := s.draft
	if staged == nil {
		s.mu.Unlock()
		return nil, ErrNoDraft
	}
	payload := cloneDraft(staged)
	s.mu.Unlock()

	bill, err := s.deps.Bills.CreateBill(ctx, payload)
	if err != nil {
		s.notify(ctx, notification.Event{
			Type:      notification.EventCommitFailed,
			SessionID: s.ID,
			PatientID: payload.Patient,
			Message:   "bill could not be created: " + err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}

	s.notify(ctx, notification.Event{
		Type:      notification.EventCommitSucceeded,
		SessionID: s.ID,
		PatientID: payload.Patient,
		BillID:    bill.UUID,
		Message:   "bill created",
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastBill = bill
	if s.draft == staged {
		s.invalidate("committed")
	}
	return bill, nil
}

// notify hands the event to the notifier in the background, on a context
// detached from the request.
func (s *Session) notify(ctx context.Context, e notification.Event) {
	if s.deps.Notifier == nil {
		return
	}
	s.notifying.Add(1)
	go func() {
		defer s.notifying.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := s.deps.Notifier.Notify(nctx, e); err != nil {
			s.deps.Logger.Warn().Err(err).
				Str("session_id", s.ID).
				Str("event_type", string(e.Type)).
				Msg("commit notification not delivered")
		}
	}()
}

// WaitNotifications blocks until every commit notification handed off so far
// has been delivered or given up, or ctx is done.
func (s *Session) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.notifying.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID               string            `json:"id"`
	PatientUUID      string            `json:"patient_uuid"`
	State            State             `json:"state"`
	PaymentMode      *string           `json:"payment_mode_uuid"`
	Attributes       []Attribute       `json:"attributes"`
	NonPaying        bool              `json:"non_paying"`
	VisitKnown       bool              `json:"visit_known"`
	Visit            *VisitFacts       `json:"visit,omitempty"`
	Waived           bool              `json:"waived"`
	CashPoint        string            `json:"cash_point_uuid,omitempty"`
	EligibleServices []BillableService `json:"eligible_services"`
	SelectedService  string            `json:"selected_service_uuid,omitempty"`
	Draft            *BillDraft        `json:"draft"`
	LastBill         *CreatedBill      `json:"last_bill,omitempty"`
	CatalogError     string            `json:"catalog_error,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:               s.ID,
		PatientUUID:      s.patient,
		State:            s.state,
		PaymentMode:      s.paymentMode,
		Attributes:       append([]Attribute{}, s.attributes...),
		NonPaying:        s.nonPaying,
		VisitKnown:       s.visitKnown,
		Waived:           s.waived,
		CashPoint:        s.cashPoint,
		EligibleServices: append([]BillableService{}, s.eligible...),
		SelectedService:  s.selected,
		Draft:            cloneDraft(s.draft),
		LastBill:         s.lastBill,
		UpdatedAt:        s.updatedAt,
	}
	if s.visitFacts != nil {
		v := *s.visitFacts
		snap.Visit = &v
	}
	if s.catalogErr != nil {
		snap.CatalogError = s.catalogErr.Error()
	}
	return snap
}

// Transitions returns the most recent states the lifecycle has entered, in
// order, up to transitionLogSize of them.
func (s *Session) Transitions() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State{}, s.transitions...)
}

// IdleSince reports when the session last saw an event.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// derive recomputes every derived value from the current inputs and reports
// whether the non-paying or waiver flag flipped.
func (s *Session) derive() bool {
	nonPaying := IsNonPaying(s.attributes, s.cfg.NonPayingValue)
	waived := s.cfg.Waiver.IsWaived(s.visitFacts)
	flipped := nonPaying != s.nonPaying || waived != s.waived

	s.nonPaying = nonPaying
	s.waived = waived
	s.eligible = FilterServices(s.services, s.paymentMode, nonPaying)
	return flipped
}

// invalidate drops the draft and tells the host. Must hold s.mu.
func (s *Session) invalidate(reason string) {
	if s.state == StateDrafted {
		s.deps.Logger.Debug().
			Str("session_id", s.ID).
			Str("reason", reason).
			Msg("bill draft invalidated")
	}
	s.draft = nil
	s.selected = ""
	s.enter(StateEmpty)
	s.publish()
}

func (s *Session) enter(st State) {
	s.state = st
	if len(s.transitions) < transitionLogSize {
		s.transitions = append(s.transitions, st)
		return
	}
	copy(s.transitions, s.transitions[1:])
	s.transitions[len(s.transitions)-1] = st
}

func (s *Session) publish() {
	if s.deps.Publisher == nil {
		return
	}
	s.deps.Publisher.SetExtraVisitInfo(ExtraVisitInfo{
		SessionID:   s.ID,
		PatientUUID: s.patient,
		Draft:       cloneDraft(s.draft),
		Commit: func() (*CreatedBill, error) {
			return s.Commit(s.ctx)
		},
		Attributes: append([]Attribute{}, s.attributes...),
	})
}

func (s *Session) touch() {
	s.updatedAt = s.cfg.now()
}

func sameMode(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneDraft(d *BillDraft) *BillDraft {
	if d == nil {
		return nil
	}
	cp := *d
	cp.LineItems = append([]BillLineItem{}, d.LineItems...)
	cp.Payments = append([]Payment{}, d.Payments...)
	return &cp
}
