// Package storage persists the latest accepted world model so a restarted
// server can serve the last known world immediately instead of an empty one.
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID — the saved model is always consistent even after a crash
//   - Single file (state.db inside the data directory)
//   - Well-maintained (used by etcd in production)
//
// Sequence numbers are deliberately NOT persisted: they restart at zero per
// process, and resume tokens carry the boot ID so stale tokens downgrade to a
// fresh snapshot. Only the model itself and its revision counter survive.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/meshviz/worldsync/pkg/world"
)

const stateFile = "state.db"

var (
	bucketWorld = []byte("world")
	bucketMeta  = []byte("meta")

	keyModel    = []byte("model")
	keyRevision = []byte("revision")
)

// ErrNotFound is returned by LoadModel when no model has ever been saved.
var ErrNotFound = errors.New("storage: no persisted world model")

// Store is a bbolt-backed persistent state store.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the state database inside dir.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, stateFile)

	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWorld); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveModel atomically persists the model and its revision counter.
// The revision increments on every accepted mutation batch and lets operators
// see at a glance whether a restarted server restored current data.
func (s *Store) SaveModel(m world.Model, revision uint64) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: marshal model: %w", err)
	}

	var rev [8]byte
	binary.BigEndian.PutUint64(rev[:], revision)

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketWorld).Put(keyModel, data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, rev[:])
	})
}

// LoadModel returns the persisted model and its revision.
// Returns ErrNotFound when nothing has ever been saved.
func (s *Store) LoadModel() (world.Model, uint64, error) {
	var (
		m        world.Model
		revision uint64
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorld).Get(keyModel)
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("storage: decode model: %w", err)
		}
		if rev := tx.Bucket(bucketMeta).Get(keyRevision); len(rev) == 8 {
			revision = binary.BigEndian.Uint64(rev)
		}
		return nil
	})
	if err != nil {
		return world.Model{}, 0, err
	}
	return m, revision, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
