package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
)

// Service fronts the configured catalog and bill backends. It implements
// checkin.Catalog and checkin.BillCreator.
type Service struct {
	catalog CatalogSource
	sink    BillSink
	ledger  BillRepository
	logger  zerolog.Logger
}

// NewService wires the backends. ledger may be nil when bills are stored
// upstream; bill lookups then return ErrLedgerDisabled.
func NewService(catalog CatalogSource, sink BillSink, ledger BillRepository, logger zerolog.Logger) *Service {
	return &Service{
		catalog: catalog,
		sink:    sink,
		ledger:  ledger,
		logger:  logger.With().Str("component", "billing").Logger(),
	}
}

func (s *Service) CashPoints(ctx context.Context) ([]checkin.CashPoint, error) {
	return s.catalog.CashPoints(ctx)
}

func (s *Service) BillableServices(ctx context.Context) ([]checkin.BillableService, error) {
	return s.catalog.BillableServices(ctx)
}

// EligibleServices returns the catalog filtered for a paying patient with
// the given payment mode.
func (s *Service) EligibleServices(ctx context.Context, paymentMode *string) ([]checkin.BillableService, error) {
	svcs, err := s.catalog.BillableServices(ctx)
	if err != nil {
		return nil, err
	}
	return checkin.FilterServices(svcs, paymentMode, false), nil
}

func (s *Service) CreateBill(ctx context.Context, d *checkin.BillDraft) (*checkin.CreatedBill, error) {
	if _, err := BillFromDraft(d); err != nil {
		return nil, err
	}
	created, err := s.sink.CreateBill(ctx, d)
	if err != nil {
		s.logger.Error().Err(err).Str("patient", d.Patient).Msg("bill creation failed")
		return nil, err
	}
	s.logger.Info().
		Str("bill", created.UUID).
		Str("patient", d.Patient).
		Str("cash_point", d.CashPoint).
		Str("total", created.Total).
		Msg("bill created")
	return created, nil
}

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	if s.ledger == nil {
		return nil, ErrLedgerDisabled
	}
	return s.ledger.GetByID(ctx, id)
}

func (s *Service) ListBillsByPatient(ctx context.Context, patientUUID string, limit, offset int) ([]*Bill, int, error) {
	if s.ledger == nil {
		return nil, 0, ErrLedgerDisabled
	}
	if patientUUID == "" {
		return nil, 0, fmt.Errorf("%w: patient is required", ErrInvalidBill)
	}
	return s.ledger.ListByPatient(ctx, patientUUID, limit, offset)
}
