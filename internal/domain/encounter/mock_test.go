package encounter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	mu         sync.Mutex
	encounters map[uuid.UUID]*Encounter
	err        error
}

func newMockRepo() *mockRepo {
	return &mockRepo{encounters: make(map[uuid.UUID]*Encounter)}
}

func (m *mockRepo) Create(_ context.Context, enc *Encounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	enc.ID = uuid.New()
	if enc.FHIRID == "" {
		enc.FHIRID = enc.ID.String()
	}
	enc.VersionID = 1
	enc.CreatedAt = time.Now()
	enc.UpdatedAt = enc.CreatedAt
	m.encounters[enc.ID] = enc
	return nil
}

func (m *mockRepo) GetByFHIRID(_ context.Context, fhirID string) (*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, enc := range m.encounters {
		if enc.FHIRID == fhirID {
			return enc, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) byPatient(patientID uuid.UUID) []*Encounter {
	var out []*Encounter
	for _, enc := range m.encounters {
		if enc.PatientID == patientID {
			out = append(out, enc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	return out
}

func (m *mockRepo) LatestByPatient(_ context.Context, patientID uuid.UUID) (*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	encs := m.byPatient(patientID)
	if len(encs) == 0 {
		return nil, ErrNotFound
	}
	return encs[0], nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	encs := m.byPatient(patientID)
	total := len(encs)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return encs[offset:end], total, nil
}

func strPtr(s string) *string { return &s }

var (
	patientA = uuid.MustParse("5b0e8a8e-2c1d-4f5e-9a0b-7c6d5e4f3a21")
	patientB = uuid.MustParse("9c1f2e3d-4b5a-4c6d-8e7f-0a1b2c3d4e5f")
	refNow   = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
)

func seed(repo *mockRepo, patient uuid.UUID, daysAgo int, typ string) *Encounter {
	enc := &Encounter{
		PatientID:    patient,
		Status:       "finished",
		TypeDisplay:  strPtr(typ),
		LocationName: strPtr("Outpatient Clinic"),
		PeriodStart:  refNow.Add(-time.Duration(daysAgo) * 24 * time.Hour),
	}
	_ = repo.Create(context.Background(), enc)
	return enc
}
