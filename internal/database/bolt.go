package database

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// OpenBolt opens (creating if needed) the bbolt file at path.
// The file lock is exclusive, so only one process may hold it.
func OpenBolt(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database %s: %w", path, err)
	}
	return db, nil
}
