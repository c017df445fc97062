package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
)

const (
	testPatient   = "5b0e8a8e-2c1d-4f5e-9a0b-7c6d5e4f3a21"
	modeCash      = "6f9b1a2c-1d3e-4f5a-8b7c-9d0e1f2a3b4c"
	modeInsurance = "0c7e4d2a-8b1f-4a3c-9e5d-6f7a8b9c0d1e"
)

var errBackend = errors.New("backend unavailable")

func strPtr(s string) *string { return &s }

// -- Mock CatalogRepository --

type mockCatalogRepo struct {
	points   []*CashPoint
	services []*BillableService
	err      error
}

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{
		points: []*CashPoint{
			{UUID: "cp-main", Name: "Main Till", LocationName: strPtr("Outpatient Clinic")},
		},
		services: []*BillableService{
			{UUID: "svc-consult", Name: "General Consultation", ServiceStatus: "ENABLED", Prices: []*ServicePrice{
				{UUID: "p-cash", Name: "Cash", Price: decimal.RequireFromString("15"), PaymentModeUUID: strPtr(modeCash)},
				{UUID: "p-ins", Name: "Insurance", Price: decimal.RequireFromString("25.5"), PaymentModeUUID: strPtr(modeInsurance)},
			}},
			{UUID: "svc-xray", Name: "Chest X-Ray", ServiceStatus: "ENABLED", Prices: []*ServicePrice{
				{UUID: "p-xray", Name: "Insurance", Price: decimal.RequireFromString("80.00"), PaymentModeUUID: strPtr(modeInsurance)},
			}},
		},
	}
}

func (m *mockCatalogRepo) ListCashPoints(_ context.Context) ([]*CashPoint, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.points, nil
}

func (m *mockCatalogRepo) ListBillableServices(_ context.Context) ([]*BillableService, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.services, nil
}

// -- Mock BillRepository --

type mockBillRepo struct {
	mu    sync.Mutex
	bills map[uuid.UUID]*Bill
	err   error
}

func newMockBillRepo() *mockBillRepo {
	return &mockBillRepo{bills: make(map[uuid.UUID]*Bill)}
}

func (m *mockBillRepo) Create(_ context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	b.ID = uuid.New()
	b.CreatedAt = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC).Add(time.Duration(len(m.bills)) * time.Minute)
	for _, li := range b.LineItems {
		li.ID = uuid.New()
		li.BillID = b.ID
	}
	m.bills[b.ID] = b
	return nil
}

func (m *mockBillRepo) GetByID(_ context.Context, id uuid.UUID) (*Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *mockBillRepo) ListByPatient(_ context.Context, patientUUID string, limit, offset int) ([]*Bill, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Bill
	for _, b := range m.bills {
		if b.PatientUUID == patientUUID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// -- Fake KV (redis) --

type fakeKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	gets    int
	sets    int
	deleted []string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = v
	case string:
		f.data[key] = []byte(v)
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	f.deleted = append(f.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), nil)
}

// -- Counting CatalogSource --

type countingCatalog struct {
	points   []checkin.CashPoint
	services []checkin.BillableService
	err      error
	calls    int
}

func (c *countingCatalog) CashPoints(_ context.Context) ([]checkin.CashPoint, error) {
	c.calls++
	return c.points, c.err
}

func (c *countingCatalog) BillableServices(_ context.Context) ([]checkin.BillableService, error) {
	c.calls++
	return c.services, c.err
}

func sampleDraft() *checkin.BillDraft {
	return &checkin.BillDraft{
		LineItems: []checkin.BillLineItem{{
			BillableService: "svc-consult",
			Quantity:        1,
			Price:           "15.00",
			PriceName:       "Cash",
			PriceUUID:       "p-cash",
			PaymentStatus:   checkin.PaymentStatusPending,
		}},
		CashPoint: "cp-main",
		Patient:   testPatient,
		Status:    checkin.PaymentStatusPending,
		Payments:  []checkin.Payment{},
	}
}
