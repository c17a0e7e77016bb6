package billing

import (
	"context"
	"fmt"
	"time"
)

// Store defines the persistence operations the pipeline needs for bills
type Store interface {
	// InsertBill stores a bill if no bill with the same ID exists.
	// It returns ErrBillExists otherwise and leaves the stored bill untouched.
	InsertBill(ctx context.Context, bill *Bill) error

	// GetBill retrieves a bill by ID
	GetBill(ctx context.Context, id string) (*Bill, error)

	// HasBill reports whether a bill with the given ID is stored
	HasBill(ctx context.Context, id string) (bool, error)

	// ScanBills returns up to limit bills ordered by ID, starting after cursor.
	// An empty Next in the returned page means the scan is complete.
	ScanBills(ctx context.Context, cursor string, limit int) (*Page, error)

	// PurgeExpired deletes bills whose expiry attribute is at or before now
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Page is one slice of a paginated bill scan
type Page struct {
	Bills []*Bill
	Next  string
}

// DefaultPageSize is used by ForEachBill when no positive page size is given
const DefaultPageSize = 500

// ForEachBill walks every stored bill page by page, calling fn for each one.
// Only one page is held in memory at a time.
func ForEachBill(ctx context.Context, store Store, pageSize int, fn func(*Bill) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := store.ScanBills(ctx, cursor, pageSize)
		if err != nil {
			return fmt.Errorf("scanning bills after %q: %w", cursor, err)
		}
		for _, bill := range page.Bills {
			if err := fn(bill); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		cursor = page.Next
	}
}
