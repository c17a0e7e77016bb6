package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on the bills table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore. The schema is owned by the migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const billColumns = `id, name, email, total::float8, timestamp, vendor_name, ttl`

// InsertBill inserts the bill unless its ID is already present
func (p *PostgresStore) InsertBill(ctx context.Context, bill *Bill) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO bills (id, name, email, total, timestamp, vendor_name, ttl)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		bill.ID, bill.Name, bill.Email, bill.Total, bill.Timestamp, bill.VendorName, bill.TTL,
	)
	if err != nil {
		return fmt.Errorf("inserting bill %s: %w", bill.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBillExists, bill.ID)
	}
	return nil
}

// GetBill retrieves a bill by ID
func (p *PostgresStore) GetBill(ctx context.Context, id string) (*Bill, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+billColumns+` FROM bills WHERE id = $1`, id)
	bill, err := scanBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBillNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting bill %s: %w", id, err)
	}
	return bill, nil
}

// HasBill reports whether a bill with the given ID exists
func (p *PostgresStore) HasBill(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bills WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking bill %s: %w", id, err)
	}
	return exists, nil
}

// ScanBills pages through bills with keyset pagination on id
func (p *PostgresStore) ScanBills(ctx context.Context, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	// One extra row tells us whether another page follows.
	rows, err := p.pool.Query(ctx,
		`SELECT `+billColumns+` FROM bills WHERE id > $1 ORDER BY id LIMIT $2`,
		cursor, limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("querying bills: %w", err)
	}
	defer rows.Close()

	page := &Page{Bills: make([]*Bill, 0, limit)}
	var more bool
	for rows.Next() {
		if len(page.Bills) == limit {
			more = true
			break
		}
		bill, err := scanBill(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bill row: %w", err)
		}
		page.Bills = append(page.Bills, bill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bills: %w", err)
	}
	if more {
		page.Next = page.Bills[len(page.Bills)-1].ID
	}
	return page, nil
}

// PurgeExpired deletes bills whose ttl has passed
func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM bills WHERE ttl > 0 AND ttl <= $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purging expired bills: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	if err := row.Scan(&b.ID, &b.Name, &b.Email, &b.Total, &b.Timestamp, &b.VendorName, &b.TTL); err != nil {
		return nil, err
	}
	return &b, nil
}
