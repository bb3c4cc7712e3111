package store

import (
	"bytes"

	pkgerrors "github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// BboltFactory demonstrates Provider pluggability: a single bbolt file with
// one bucket per relation, rather than pebble's one-LSM-tree-per-relation
// layout. The server itself opens its store with NewPebbleFactory; this
// factory is available for a Store that wants every relation kept in one
// file.
type BboltFactory struct {
	db *bolt.DB
}

// NewBboltFactory opens (creating if absent) a single bbolt file at path.
func NewBboltFactory(path string) (*BboltFactory, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening bbolt file %s", path)
	}
	return &BboltFactory{db: db}, nil
}

func (f *BboltFactory) OpenPartition(relation Relation) (Provider, error) {
	bucket := []byte(relation.String())
	err := f.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "creating bbolt bucket %s", relation)
	}
	return &bboltProvider{db: f.db, bucket: bucket}, nil
}

func (f *BboltFactory) Close() error {
	return pkgerrors.Wrap(f.db.Close(), "closing bbolt file")
}

type bboltProvider struct {
	db     *bolt.DB
	bucket []byte
}

func (p *bboltProvider) Get(key []byte) (uint64, []byte, error) {
	var ts uint64
	var value []byte
	var tombstoned bool
	err := p.db.View(func(tx *bolt.Tx) error {
		row := tx.Bucket(p.bucket).Get(key)
		if row == nil {
			return ErrNotFound
		}
		ts, value = decodeRow(row)
		if len(value) == 0 {
			tombstoned = true
			return nil
		}
		value = append([]byte{}, value...)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if tombstoned {
		// ts is still returned alongside ErrNotFound so commit validation can
		// detect a conflicting delete, not just a conflicting write.
		return ts, nil, ErrNotFound
	}
	return ts, value, nil
}

func (p *bboltProvider) Put(ts uint64, key []byte, value []byte) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(p.bucket).Put(key, encodeRow(ts, value))
	})
}

func (p *bboltProvider) Del(ts uint64, key []byte) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(p.bucket).Put(key, encodeRow(ts, nil))
	})
}

func (p *bboltProvider) Scan(prefix []byte, visit func(key []byte, ts uint64, value []byte) (bool, error)) error {
	return p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(p.bucket).Cursor()
		for k, row := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, row = c.Next() {
			ts, value := decodeRow(row)
			if len(value) == 0 {
				continue
			}
			stop, err := visit(append([]byte{}, k...), ts, value)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		return nil
	})
}

func (p *bboltProvider) Close() error {
	// Owned by the factory; shared across every relation's bucket.
	return nil
}
