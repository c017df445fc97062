package encounter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/checkin-billing/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const encCols = `id, fhir_id, patient_id, status, type_code, type_display, location_name,
	period_start, period_end, version_id, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, enc *Encounter) error {
	enc.ID = uuid.New()
	if enc.FHIRID == "" {
		enc.FHIRID = enc.ID.String()
	}
	enc.VersionID = 1
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (
			id, fhir_id, patient_id, status, type_code, type_display, location_name,
			period_start, period_end, version_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		enc.ID, enc.FHIRID, enc.PatientID, enc.Status, enc.TypeCode, enc.TypeDisplay, enc.LocationName,
		enc.PeriodStart, enc.PeriodEnd, enc.VersionID,
	).Scan(&enc.CreatedAt, &enc.UpdatedAt)
}

func (r *repoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE fhir_id = $1`, fhirID))
}

func (r *repoPG) LatestByPatient(ctx context.Context, patientID uuid.UUID) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx,
		`SELECT `+encCols+` FROM encounter WHERE patient_id = $1 ORDER BY period_start DESC LIMIT 1`, patientID))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM encounter WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+encCols+` FROM encounter WHERE patient_id = $1 ORDER BY period_start DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var encs []*Encounter
	for rows.Next() {
		e, err := scanEnc(rows)
		if err != nil {
			return nil, 0, err
		}
		encs = append(encs, e)
	}
	return encs, total, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEnc(row scanner) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.FHIRID, &e.PatientID, &e.Status, &e.TypeCode, &e.TypeDisplay, &e.LocationName,
		&e.PeriodStart, &e.PeriodEnd, &e.VersionID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan encounter: %w", err)
	}
	return &e, nil
}
