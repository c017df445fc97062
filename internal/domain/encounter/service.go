package encounter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
)

// VisitSource is a remote visit history provider, e.g. FHIRSource.
type VisitSource interface {
	MostRecentVisit(ctx context.Context, patientUUID string) (*checkin.VisitRecord, error)
}

type Service struct {
	repo   Repository
	remote VisitSource
	now    func() time.Time
}

// NewService serves visits from remote when it is non-nil, otherwise from repo.
func NewService(repo Repository, remote VisitSource) *Service {
	return &Service{repo: repo, remote: remote, now: time.Now}
}

var validStatuses = map[string]bool{
	"planned":          true,
	"arrived":          true,
	"triaged":          true,
	"in-progress":      true,
	"onleave":          true,
	"finished":         true,
	"cancelled":        true,
	"entered-in-error": true,
}

// MostRecentVisit satisfies checkin.VisitLookup.
func (s *Service) MostRecentVisit(ctx context.Context, patientUUID string) (*checkin.VisitRecord, error) {
	if s.remote != nil {
		return s.remote.MostRecentVisit(ctx, patientUUID)
	}
	if s.repo == nil {
		return nil, errors.New("no visit source configured")
	}
	pid, err := uuid.Parse(patientUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid patient uuid %q: %w", patientUUID, err)
	}
	enc, err := s.repo.LatestByPatient(ctx, pid)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return enc.ToVisitRecord(), nil
}

func (s *Service) CreateEncounter(ctx context.Context, enc *Encounter) error {
	if enc.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if enc.Status == "" {
		enc.Status = "in-progress"
	}
	if !validStatuses[enc.Status] {
		return fmt.Errorf("invalid status: %s", enc.Status)
	}
	if enc.PeriodStart.IsZero() {
		enc.PeriodStart = s.now().UTC()
	}
	if enc.PeriodEnd != nil && enc.PeriodEnd.Before(enc.PeriodStart) {
		return fmt.Errorf("period_end is before period_start")
	}
	return s.repo.Create(ctx, enc)
}

func (s *Service) GetEncounterByFHIRID(ctx context.Context, fhirID string) (*Encounter, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

func (s *Service) ListEncountersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}
