package checkin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/checkin-billing/internal/platform/notification"
)

// -- Mock VisitLookup --

type mockVisits struct {
	mu      sync.Mutex
	records map[string]*VisitRecord
	errs    map[string]error
	gates   map[string]chan struct{}
}

func newMockVisits() *mockVisits {
	return &mockVisits{
		records: make(map[string]*VisitRecord),
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
	}
}

// hold makes lookups for the patient block until release is called.
func (m *mockVisits) hold(patient string) (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.gates[patient] = ch
	m.mu.Unlock()
	return func() { close(ch) }
}

func (m *mockVisits) MostRecentVisit(ctx context.Context, patient string) (*VisitRecord, error) {
	m.mu.Lock()
	gate := m.gates[patient]
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[patient]; err != nil {
		return nil, err
	}
	return m.records[patient], nil
}

// -- Mock Catalog --

type mockCatalog struct {
	points   []CashPoint
	services []BillableService
	err      error
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		points:   []CashPoint{{UUID: "cash-point-1", Name: "Main Till"}, {UUID: "cash-point-2", Name: "Pharmacy"}},
		services: testCatalog(),
	}
}

func (m *mockCatalog) CashPoints(_ context.Context) ([]CashPoint, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.points, nil
}

func (m *mockCatalog) BillableServices(_ context.Context) ([]BillableService, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.services, nil
}

// -- Mock BillCreator --

type mockBills struct {
	mu       sync.Mutex
	payloads []*BillDraft
	err      error
}

func (m *mockBills) CreateBill(_ context.Context, d *BillDraft) (*CreatedBill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, d)
	if m.err != nil {
		return nil, m.err
	}
	return &CreatedBill{UUID: "bill-1", Status: PaymentStatusPending, Total: d.LineItems[0].Price}, nil
}

// -- Recording Publisher --

type recordingPublisher struct {
	mu    sync.Mutex
	infos []ExtraVisitInfo
}

func (p *recordingPublisher) SetExtraVisitInfo(info ExtraVisitInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos = append(p.infos, info)
}

func (p *recordingPublisher) last() ExtraVisitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.infos) == 0 {
		return ExtraVisitInfo{}
	}
	return p.infos[len(p.infos)-1]
}

// -- Mock Notifier --

type mockNotifier struct {
	mu     sync.Mutex
	events []notification.Event
	ctxErr error
	err    error
	gate   chan struct{}
}

// hold makes Notify block until release is called. release is idempotent.
func (n *mockNotifier) hold() (release func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	n.gate = ch
	n.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (n *mockNotifier) Notify(ctx context.Context, e notification.Event) error {
	n.mu.Lock()
	gate := n.gate
	n.mu.Unlock()
	if gate != nil {
		<-gate
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	n.ctxErr = ctx.Err()
	return n.err
}

func (n *mockNotifier) lastCtxErr() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ctxErr
}

func (n *mockNotifier) types() []notification.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

// -- Fixture --

type fixture struct {
	visits    *mockVisits
	catalog   *mockCatalog
	bills     *mockBills
	publisher *recordingPublisher
	notifier  *mockNotifier
	cfg       Config
}

func newFixture() *fixture {
	return &fixture{
		visits:    newMockVisits(),
		catalog:   newMockCatalog(),
		bills:     &mockBills{},
		publisher: &recordingPublisher{},
		notifier:  &mockNotifier{},
		cfg: Config{
			NonPayingValue: exemptConcept,
			Waiver:         DefaultWaiverPolicy(),
			Now:            func() time.Time { return refNow },
		},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Visits:    f.visits,
		Catalog:   f.catalog,
		Bills:     f.bills,
		Publisher: f.publisher,
		Notifier:  f.notifier,
		Logger:    zerolog.Nop(),
	}
}

func (f *fixture) visitDaysAgo(patient string, days int) {
	f.visits.mu.Lock()
	defer f.visits.mu.Unlock()
	f.visits.records[patient] = &VisitRecord{
		StartDatetime: refNow.Add(-time.Duration(days) * 24 * time.Hour),
		VisitType:     "OPD",
		LocationName:  "Outpatient Clinic",
	}
}

var errUpstream = errors.New("upstream unavailable")
