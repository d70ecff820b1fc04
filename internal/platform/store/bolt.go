package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt is the persistent Store backend, an embedded ordered B+tree file
// (spec.md §4.1: "embedded ordered key/value store"). Grounded on the
// bolt.DB wrapper pattern from evalgo-org-eve's db/bolt package: one
// bbolt.DB, one bucket per namespace, created lazily on first write.
//
// Each stored entry is the 8-byte big-endian version followed by the raw
// value, so version and value round-trip through a single bbolt Get/Put
// without a second index.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}
	return &Bolt{db: db}, nil
}

func encodeRecord(version uint64, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out[:8], version)
	copy(out[8:], value)
	return out
}

func decodeRecord(raw []byte) Record {
	version := binary.BigEndian.Uint64(raw[:8])
	value := make([]byte, len(raw)-8)
	copy(value, raw[8:])
	return Record{Value: value, Version: version}
}

func (b *Bolt) bucket(tx *bolt.Tx, ns Namespace, create bool) (*bolt.Bucket, error) {
	name := []byte(ns)
	if create {
		return tx.CreateBucketIfNotExists(name)
	}
	bk := tx.Bucket(name)
	if bk == nil {
		return nil, ErrNotFound
	}
	return bk, nil
}

func (b *Bolt) Get(_ context.Context, ns Namespace, key string) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx, ns, false)
		if err != nil {
			return err
		}
		raw := bk.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		rec = decodeRecord(raw)
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (b *Bolt) Put(_ context.Context, ns Namespace, key string, value []byte) (uint64, error) {
	var next uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx, ns, true)
		if err != nil {
			return err
		}
		next = currentVersion(bk, key) + 1
		return bk.Put([]byte(key), encodeRecord(next, value))
	})
	return next, err
}

func currentVersion(bk *bolt.Bucket, key string) uint64 {
	raw := bk.Get([]byte(key))
	if raw == nil {
		return 0
	}
	return decodeRecord(raw).Version
}

func (b *Bolt) Batch(_ context.Context, ns Namespace, writes []Write) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx, ns, true)
		if err != nil {
			return err
		}
		for _, w := range writes {
			if w.Value == nil {
				if err := bk.Delete([]byte(w.Key)); err != nil {
					return err
				}
				continue
			}
			next := currentVersion(bk, w.Key) + 1
			if err := bk.Put([]byte(w.Key), encodeRecord(next, w.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Scan(_ context.Context, ns Namespace, prefix, cursor string, limit int) (ScanResult, error) {
	res := ScanResult{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx, ns, false)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		c := bk.Cursor()
		var k, v []byte
		if cursor != "" {
			k, v = c.Seek([]byte(cursor))
		} else {
			k, v = c.Seek([]byte(prefix))
		}
		for ; k != nil; k, v = c.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			if limit > 0 && len(res.Items) >= limit {
				res.NextCursor = string(k)
				break
			}
			rec := decodeRecord(v)
			res.Items = append(res.Items, KV{Key: string(k), Value: rec.Value, Version: rec.Version})
		}
		return nil
	})
	return res, err
}

func hasPrefix(key []byte, prefix string) bool {
	if len(prefix) > len(key) {
		return false
	}
	return string(key[:len(prefix)]) == prefix
}

func (b *Bolt) CompareAndSwap(_ context.Context, ns Namespace, key string, expectedVersion uint64, newValue []byte) (uint64, error) {
	var next uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx, ns, true)
		if err != nil {
			return err
		}
		cur := currentVersion(bk, key)
		if cur != expectedVersion {
			return ErrVersionMismatch
		}
		next = cur + 1
		return bk.Put([]byte(key), encodeRecord(next, newValue))
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (b *Bolt) Delete(_ context.Context, ns Namespace, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx, ns, true)
		if err != nil {
			return err
		}
		return bk.Delete([]byte(key))
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
