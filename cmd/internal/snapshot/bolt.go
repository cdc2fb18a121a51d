package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltBucket = []byte("snapshot")
	boltKey    = []byte("blob")
)

// BoltPersister keeps the blob in a single key of a bbolt file.
type BoltPersister struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*BoltPersister, error) {
	if path == "" {
		return nil, errors.New("snapshot: empty bolt path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltPersister{db: db}, nil
}

// Close closes the underlying file.
func (p *BoltPersister) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Load implements Persister.
func (p *BoltPersister) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(boltKey); v != nil {
			// Values are only valid inside the transaction.
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// Save implements Persister.
func (p *BoltPersister) Save(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		return b.Put(boltKey, blob)
	})
}

// Clear implements Persister.
func (p *BoltPersister) Clear(ctx context.Context) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(boltBucket) == nil {
			return nil
		}
		return tx.DeleteBucket(boltBucket)
	})
}
