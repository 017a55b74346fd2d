package snapshot

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Store keeps snapshots in a bbolt bucket, keyed by ID.
type Store struct {
	db     *bolt.DB
	bucket []byte
}

// Open opens (or creates) the bbolt file at path and scopes a store to
// bucket.
func Open(path, bucket string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store %s: %w", path, err)
	}

	s, err := New(db, bucket)
	if err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

// New creates a store on an open database. The bucket will be created if it
// doesn't exist.
func New(db *bolt.DB, bucket string) (*Store, error) {
	bucketBytes := []byte(bucket)

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBytes)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		db:     db,
		bucket: bucketBytes,
	}, nil
}

// Put stores s under its ID, replacing any previous version.
func (s *Store) Put(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", snap.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrNotFound
		}

		return b.Put([]byte(snap.ID), data)
	})
}

// Get retrieves the snapshot with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrNotFound
		}

		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}

		// Copy data since it's only valid within the transaction.
		data = make([]byte, len(v))
		copy(data, v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return Unmarshal(data)
}

// List returns the IDs of all stored snapshots in key order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := []string{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})

	return ids, err
}

// Delete removes the snapshot with the given ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrNotFound
		}

		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}

		return b.Delete([]byte(id))
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
