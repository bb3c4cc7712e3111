package store

import (
	"encoding/binary"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	pkgerrors "github.com/pkg/errors"
)

// PebbleFactory is the default ProviderFactory: one LSM tree per relation,
// each a pebble database rooted at <dir>/<relation-name>.
type PebbleFactory struct {
	dir string
	dbs map[Relation]*pebble.DB
}

// NewPebbleFactory returns a factory rooted at dir; it opens nothing
// itself. Each partition's pebble database is opened (created if absent) on
// its first OpenPartition call. NewStore calls OpenPartition for every
// relation, so a Store opens all twelve.
func NewPebbleFactory(dir string) *PebbleFactory {
	return &PebbleFactory{dir: dir, dbs: make(map[Relation]*pebble.DB)}
}

func (f *PebbleFactory) OpenPartition(relation Relation) (Provider, error) {
	if db, ok := f.dbs[relation]; ok {
		return &pebbleProvider{db: db}, nil
	}
	path := filepath.Join(f.dir, relation.String())
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening pebble partition %s", relation)
	}
	f.dbs[relation] = db
	return &pebbleProvider{db: db}, nil
}

func (f *PebbleFactory) Close() error {
	for _, db := range f.dbs {
		if err := db.Close(); err != nil {
			return pkgerrors.Wrap(err, "closing pebble partition")
		}
	}
	return nil
}

// pebbleProvider stores, for each key, a single row: the committing
// timestamp (8-byte big-endian prefix) followed by the codomain bytes. Only
// the latest committed version is kept — the commit protocol's global
// serialization already guarantees that is the only version a conflict
// check ever needs (see store/txn.go).
type pebbleProvider struct {
	db *pebble.DB
}

func encodeRow(ts uint64, value []byte) []byte {
	row := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(row[:8], ts)
	copy(row[8:], value)
	return row
}

func decodeRow(row []byte) (uint64, []byte) {
	ts := binary.BigEndian.Uint64(row[:8])
	value := make([]byte, len(row)-8)
	copy(value, row[8:])
	return ts, value
}

func (p *pebbleProvider) Get(key []byte) (uint64, []byte, error) {
	row, closer, err := p.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, nil, ErrNotFound
		}
		return 0, nil, pkgerrors.Wrap(err, "pebble get")
	}
	defer closer.Close()
	ts, value := decodeRow(row)
	if len(value) == 0 {
		// Tombstone: a row with no value past the ts header, written by Del.
		// The ts is still returned alongside ErrNotFound so commit validation
		// can detect a conflicting delete, not just a conflicting write.
		return ts, nil, ErrNotFound
	}
	return ts, value, nil
}

func (p *pebbleProvider) Put(ts uint64, key []byte, value []byte) error {
	if err := p.db.Set(key, encodeRow(ts, value), pebble.Sync); err != nil {
		return pkgerrors.Wrap(err, "pebble put")
	}
	return nil
}

func (p *pebbleProvider) Del(ts uint64, key []byte) error {
	// Write a row with the ts header but no value, rather than a real pebble
	// delete, so Get/Scan can still report the ts a key was tombstoned at —
	// needed for commit validation to catch a conflicting delete, not just a
	// conflicting write. Matches the bbolt provider's tombstone representation.
	if err := p.db.Set(key, encodeRow(ts, nil), pebble.Sync); err != nil {
		return pkgerrors.Wrap(err, "pebble tombstone")
	}
	return nil
}

func (p *pebbleProvider) Scan(prefix []byte, visit func(key []byte, ts uint64, value []byte) (bool, error)) error {
	upper := append(append([]byte{}, prefix...), 0xFF)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return pkgerrors.Wrap(err, "pebble scan")
	}

	var visitErr error
	for iter.First(); iter.Valid(); iter.Next() {
		ts, value := decodeRow(iter.Value())
		if len(value) == 0 {
			continue // tombstoned
		}
		key := append([]byte{}, iter.Key()...)
		stop, err := visit(key, ts, value)
		if err != nil {
			visitErr = err
			break
		}
		if stop {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return pkgerrors.Wrap(err, "closing pebble iterator")
	}
	return visitErr
}

func (p *pebbleProvider) Close() error {
	// Owned by the factory; individual providers don't close the shared db.
	return nil
}
