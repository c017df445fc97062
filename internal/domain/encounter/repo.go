package encounter

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("encounter not found")

type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByFHIRID(ctx context.Context, fhirID string) (*Encounter, error)
	// LatestByPatient returns ErrNotFound when the patient has no encounters.
	LatestByPatient(ctx context.Context, patientID uuid.UUID) (*Encounter, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error)
}
