package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/checkin-billing/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// Numeric columns are read as text and parsed with decimal so no precision
// is lost between Postgres and the API.
func scanDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository { return &catalogRepoPG{pool: pool} }

func (r *catalogRepoPG) ListCashPoints(ctx context.Context) ([]*CashPoint, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT uuid, name, location_name, retired FROM cash_point WHERE NOT retired ORDER BY name, uuid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CashPoint
	for rows.Next() {
		var cp CashPoint
		if err := rows.Scan(&cp.UUID, &cp.Name, &cp.LocationName, &cp.Retired); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (r *catalogRepoPG) ListBillableServices(ctx context.Context) ([]*BillableService, error) {
	q := conn(ctx, r.pool)
	rows, err := q.Query(ctx, `
		SELECT uuid, name, short_name, service_status
		FROM billable_service WHERE service_status = 'ENABLED'
		ORDER BY name, uuid`)
	if err != nil {
		return nil, err
	}
	var services []*BillableService
	byUUID := make(map[string]*BillableService)
	for rows.Next() {
		var s BillableService
		if err := rows.Scan(&s.UUID, &s.Name, &s.ShortName, &s.ServiceStatus); err != nil {
			rows.Close()
			return nil, err
		}
		services = append(services, &s)
		byUUID[s.UUID] = &s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := q.Query(ctx, `
		SELECT p.uuid, p.service_uuid, p.name, p.price::text, p.payment_mode_uuid, p.sort_order
		FROM service_price p
		JOIN billable_service s ON s.uuid = p.service_uuid AND s.service_status = 'ENABLED'
		ORDER BY p.service_uuid, p.sort_order, p.uuid`)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var p ServicePrice
		var amount string
		if err := prows.Scan(&p.UUID, &p.ServiceUUID, &p.Name, &amount, &p.PaymentModeUUID, &p.SortOrder); err != nil {
			return nil, err
		}
		if p.Price, err = scanDecimal(amount); err != nil {
			return nil, err
		}
		if s, ok := byUUID[p.ServiceUUID]; ok {
			s.Prices = append(s.Prices, &p)
		}
	}
	return services, prows.Err()
}

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

const billCols = `id, patient_uuid, cash_point_uuid, status, total::text, created_by, created_at`

// Create inserts the bill and its line items in one transaction.
func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		b.ID = uuid.New()
		err := q.QueryRow(ctx, `
			INSERT INTO bill (id, patient_uuid, cash_point_uuid, status, total, created_by)
			VALUES ($1,$2,$3,$4,$5::numeric,$6)
			RETURNING created_at`,
			b.ID, b.PatientUUID, b.CashPointUUID, b.Status, b.Total.String(), b.CreatedBy,
		).Scan(&b.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert bill: %w", err)
		}
		for _, li := range b.LineItems {
			li.ID = uuid.New()
			li.BillID = b.ID
			_, err := q.Exec(ctx, `
				INSERT INTO bill_line_item (id, bill_id, billable_service_uuid, quantity, price,
					price_name, price_uuid, line_item_order, payment_status)
				VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9)`,
				li.ID, li.BillID, li.BillableServiceUUID, li.Quantity, li.Price.String(),
				li.PriceName, li.PriceUUID, li.LineItemOrder, li.PaymentStatus)
			if err != nil {
				return fmt.Errorf("insert line item %d: %w", li.LineItemOrder, err)
			}
		}
		return nil
	})
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	q := conn(ctx, r.pool)
	b, err := scanBill(q.QueryRow(ctx, `SELECT `+billCols+` FROM bill WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if b.LineItems, err = r.lineItems(ctx, q, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *billRepoPG) ListByPatient(ctx context.Context, patientUUID string, limit, offset int) ([]*Bill, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM bill WHERE patient_uuid = $1`, patientUUID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx,
		`SELECT `+billCols+` FROM bill WHERE patient_uuid = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientUUID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	var bills []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		bills = append(bills, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, b := range bills {
		if b.LineItems, err = r.lineItems(ctx, q, b.ID); err != nil {
			return nil, 0, err
		}
	}
	return bills, total, nil
}

func (r *billRepoPG) lineItems(ctx context.Context, q querier, billID uuid.UUID) ([]*LineItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, bill_id, billable_service_uuid, quantity, price::text, price_name, price_uuid,
			line_item_order, payment_status
		FROM bill_line_item WHERE bill_id = $1 ORDER BY line_item_order, id`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*LineItem
	for rows.Next() {
		var li LineItem
		var price string
		if err := rows.Scan(&li.ID, &li.BillID, &li.BillableServiceUUID, &li.Quantity, &price,
			&li.PriceName, &li.PriceUUID, &li.LineItemOrder, &li.PaymentStatus); err != nil {
			return nil, err
		}
		if li.Price, err = scanDecimal(price); err != nil {
			return nil, err
		}
		items = append(items, &li)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBill(row rowScanner) (*Bill, error) {
	var b Bill
	var total string
	err := row.Scan(&b.ID, &b.PatientUUID, &b.CashPointUUID, &b.Status, &total, &b.CreatedBy, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.Total, err = scanDecimal(total); err != nil {
		return nil, err
	}
	return &b, nil
}
