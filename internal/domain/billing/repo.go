package billing

import (
	"context"

	"github.com/google/uuid"
)

type CatalogRepository interface {
	ListCashPoints(ctx context.Context) ([]*CashPoint, error)
	// ListBillableServices returns active services with their prices loaded.
	ListBillableServices(ctx context.Context) ([]*BillableService, error)
}

type BillRepository interface {
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	ListByPatient(ctx context.Context, patientUUID string, limit, offset int) ([]*Bill, int, error)
}
