// Package keystats tracks the distinct keys seen per intermediate file.
// The counts are diagnostics only; pipeline correctness never depends on
// them. Keys are spilled to a bbolt database inside the run's working
// tree instead of being held in memory.
package keystats

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// TotalScope aggregates keys across every tracked file.
const TotalScope = "__total__"

// Store records distinct keys under named scopes (one scope per file).
type Store struct {
	db *bolt.DB
}

// Open creates or opens the key statistics database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open keystats db: %v", err)
	}
	return &Store{db: db}, nil
}

// AddBatch marks keys as seen in scope and in the total scope.
func (s *Store) AddBatch(scope string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{scope, TotalScope} {
			bkt, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := bkt.Put([]byte(key), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Unique returns the number of distinct keys recorded in scope. A scope
// that was never written reports zero.
func (s *Store) Unique(scope string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(scope))
		if bkt == nil {
			return nil
		}
		n = bkt.Stats().KeyN
		return nil
	})
	return n, err
}

// Scopes lists every tracked scope except the total scope, in key order.
func (s *Store) Scopes() ([]string, error) {
	var scopes []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if string(name) != TotalScope {
				scopes = append(scopes, string(name))
			}
			return nil
		})
	})
	return scopes, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
