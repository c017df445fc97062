package billing

import (
	"context"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
	"github.com/ehr/checkin-billing/internal/platform/auth"
)

// CatalogSource supplies cash points and billable services in the shape the
// check-in core consumes. It is satisfied by LocalSource, RESTSource and
// CachedCatalog.
type CatalogSource interface {
	CashPoints(ctx context.Context) ([]checkin.CashPoint, error)
	BillableServices(ctx context.Context) ([]checkin.BillableService, error)
}

// BillSink persists a bill built from a draft.
type BillSink interface {
	CreateBill(ctx context.Context, d *checkin.BillDraft) (*checkin.CreatedBill, error)
}

// LocalSource serves the catalog and stores bills in Postgres.
type LocalSource struct {
	catalog CatalogRepository
	bills   BillRepository
}

func NewLocalSource(catalog CatalogRepository, bills BillRepository) *LocalSource {
	return &LocalSource{catalog: catalog, bills: bills}
}

func (s *LocalSource) CashPoints(ctx context.Context) ([]checkin.CashPoint, error) {
	cps, err := s.catalog.ListCashPoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]checkin.CashPoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, cp.ToCheckin())
	}
	return out, nil
}

func (s *LocalSource) BillableServices(ctx context.Context) ([]checkin.BillableService, error) {
	svcs, err := s.catalog.ListBillableServices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]checkin.BillableService, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, svc.ToCheckin())
	}
	return out, nil
}

func (s *LocalSource) CreateBill(ctx context.Context, d *checkin.BillDraft) (*checkin.CreatedBill, error) {
	b, err := BillFromDraft(d)
	if err != nil {
		return nil, err
	}
	if user := auth.UserIDFromContext(ctx); user != "" {
		b.CreatedBy = &user
	}
	if err := s.bills.Create(ctx, b); err != nil {
		return nil, err
	}
	return b.ToCreated(), nil
}
