package idempotency

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

const boltBucket = "idempotency_records"

// BoltStore persists records in an embedded bolt file. Expired keys are removed lazily on read.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) Get(_ context.Context, key string) (*Record, error) {
	var (
		rec     Record
		found   bool
		expired bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		found = true
		expired = b.now().After(rec.ExpiresAt)
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	if expired {
		_ = b.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
		})
		return nil, nil
	}
	return &rec, nil
}

func (b *BoltStore) Save(_ context.Context, key string, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if cur, ok := decodeRecord(bucket.Get([]byte(key))); ok && !replaceable(cur, record) {
			return nil
		}
		return bucket.Put([]byte(key), data)
	})
}

func (b *BoltStore) Reserve(_ context.Context, key string, placeholder Record) (*Record, error) {
	placeholder.StatusCode = 0
	data, err := json.Marshal(placeholder)
	if err != nil {
		return nil, err
	}
	var existing *Record
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if cur, ok := decodeRecord(bucket.Get([]byte(key))); ok && !b.now().After(cur.ExpiresAt) {
			existing = &cur
			return nil
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (b *BoltStore) Release(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if cur, ok := decodeRecord(bucket.Get([]byte(key))); ok && cur.Pending() {
			return bucket.Delete([]byte(key))
		}
		return nil
	})
}

func decodeRecord(raw []byte) (Record, bool) {
	var rec Record
	if raw == nil || json.Unmarshal(raw, &rec) != nil {
		return Record{}, false
	}
	return rec, true
}
