package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const billsBucket = "bills"

// BoltStore implements Store on top of a bbolt database
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a BoltStore, creating its bucket if it doesn't exist
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(billsBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bills bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// InsertBill saves a bill unless one with the same ID is already stored
func (b *BoltStore) InsertBill(ctx context.Context, bill *Bill) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(billsBucket))
		if bucket.Get([]byte(bill.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrBillExists, bill.ID)
		}
		data, err := json.Marshal(bill)
		if err != nil {
			return fmt.Errorf("marshaling bill: %w", err)
		}
		return bucket.Put([]byte(bill.ID), data)
	})
}

// GetBill retrieves a bill by ID
func (b *BoltStore) GetBill(ctx context.Context, id string) (*Bill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var bill *Bill
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(billsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrBillNotFound, id)
		}
		return json.Unmarshal(data, &bill)
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

// HasBill reports whether a bill with the given ID exists
func (b *BoltStore) HasBill(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(billsBucket)).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// ScanBills returns the next page of bills in key order
func (b *BoltStore) ScanBills(ctx context.Context, cursor string, limit int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	page := &Page{Bills: make([]*Bill, 0, limit)}
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(billsBucket)).Cursor()

		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(cursor))
			if k != nil && bytes.Equal(k, []byte(cursor)) {
				k, v = c.Next()
			}
		}

		for ; k != nil; k, v = c.Next() {
			if len(page.Bills) == limit {
				page.Next = page.Bills[len(page.Bills)-1].ID
				return nil
			}
			var bill Bill
			if err := json.Unmarshal(v, &bill); err != nil {
				return fmt.Errorf("unmarshaling bill %s: %w", k, err)
			}
			page.Bills = append(page.Bills, &bill)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// PurgeExpired deletes every bill whose TTL has passed
func (b *BoltStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var purged int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(billsBucket))

		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var bill Bill
			if err := json.Unmarshal(v, &bill); err != nil {
				return fmt.Errorf("unmarshaling bill %s: %w", k, err)
			}
			if bill.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting bill %s: %w", k, err)
			}
		}
		purged = len(expired)
		return nil
	})
	return purged, err
}
