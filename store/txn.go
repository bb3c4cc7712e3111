package store

import (
	"errors"

	"github.com/bits-and-blooms/bitset"
	pkgerrors "github.com/pkg/errors"
)

// EntryOp distinguishes why a key is in a transaction's working set.
type EntryOp int

const (
	OpRead EntryOp = iota
	OpWrite
	OpTombstone
)

// Entry is one row of a transaction's WorkingSet, keyed by (relation, key).
type Entry struct {
	Op         EntryOp
	Relation   Relation
	Key        []byte
	Value      []byte // codomain bytes; nil for OpTombstone
	ObservedTS uint64 // the committed ts this entry was validated against
}

// workingKey indexes the WorkingSet map; Go maps can't key on []byte so the
// key bytes are folded into a string (a copy, same as bytes.Clone would do).
type workingKey struct {
	relation Relation
	key      string
}

// ErrConflict is returned by Commit when the five-step protocol's
// write-validation step (§4.1 step 3) finds a newer committed version than
// the transaction observed. The caller (normally the scheduler) retries the
// whole task from its last commit point.
var ErrConflict = errors.New("store: commit conflict, retry")

// Txn is one multi-version optimistic transaction: a read timestamp fixed
// at Begin, and a buffered WorkingSet applied atomically at Commit.
type Txn struct {
	store   *Store
	readTS  uint64
	working map[workingKey]*Entry
	done    bool
}

// ReadTS returns the timestamp this transaction's reads are pinned to.
func (t *Txn) ReadTS() uint64 {
	return t.readTS
}

// Read returns the codomain bytes for (relation, key), serving from the
// transaction's own WorkingSet first (read-your-writes), then the shared
// cache, then the durable provider. found is false for a key with no
// committed version, or one this transaction has tombstoned.
func (t *Txn) Read(relation Relation, key []byte) (value []byte, found bool, err error) {
	wk := workingKey{relation, string(key)}
	if e, ok := t.working[wk]; ok {
		switch e.Op {
		case OpTombstone:
			return nil, false, nil
		default:
			return e.Value, true, nil
		}
	}

	p := t.store.partition(relation)
	if entry, ok := p.cache.Get(string(key)); ok {
		t.recordRead(wk, relation, key, entry)
		if entry.tombstone {
			return nil, false, nil
		}
		return entry.value, true, nil
	}

	ts, value, err := p.provider.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// ts is still meaningful here: a genuinely-absent key reports 0,
			// but a tombstoned key reports the ts it was deleted at, so this
			// read's ObservedTS still reflects the row's true last-write ts.
			entry := cacheEntry{ts: ts, tombstone: true}
			p.cache.Put(string(key), entry)
			t.recordRead(wk, relation, key, entry)
			return nil, false, nil
		}
		return nil, false, pkgerrors.Wrapf(err, "reading %s", relation)
	}
	p.cache.Put(string(key), cacheEntry{ts: ts, value: value})
	t.recordRead(wk, relation, key, cacheEntry{ts: ts, value: value})
	return value, true, nil
}

func (t *Txn) recordRead(wk workingKey, relation Relation, key []byte, e cacheEntry) {
	t.working[wk] = &Entry{
		Op:         OpRead,
		Relation:   relation,
		Key:        key,
		Value:      e.value,
		ObservedTS: e.ts,
	}
}

// Write buffers value as the new codomain for (relation, key). Visible to
// this transaction's own subsequent Reads immediately; visible to other
// transactions only after a successful Commit.
func (t *Txn) Write(relation Relation, key []byte, value []byte) {
	wk := workingKey{relation, string(key)}
	observed := t.readTS
	if e, ok := t.working[wk]; ok {
		observed = e.ObservedTS
	}
	t.working[wk] = &Entry{
		Op:         OpWrite,
		Relation:   relation,
		Key:        key,
		Value:      value,
		ObservedTS: observed,
	}
}

// Delete buffers a tombstone for (relation, key).
func (t *Txn) Delete(relation Relation, key []byte) {
	wk := workingKey{relation, string(key)}
	observed := t.readTS
	if e, ok := t.working[wk]; ok {
		observed = e.ObservedTS
	}
	t.working[wk] = &Entry{
		Op:         OpTombstone,
		Relation:   relation,
		Key:        key,
		ObservedTS: observed,
	}
}

// Scan visits every live row in relation whose key has the given prefix,
// merging this transaction's own buffered writes over the provider's
// committed rows. Used by secondary-index reverse lookups and bulk
// enumeration (e.g. world.State listing an object's contents).
func (t *Txn) Scan(relation Relation, prefix []byte, visit func(key []byte, value []byte) (stop bool, err error)) error {
	p := t.store.partition(relation)
	seen := make(map[string]bool)

	for wk, e := range t.working {
		if wk.relation != relation || len(wk.key) < len(prefix) || wk.key[:len(prefix)] != string(prefix) {
			continue
		}
		seen[wk.key] = true
		if e.Op == OpTombstone {
			continue
		}
		stop, err := visit([]byte(wk.key), e.Value)
		if err != nil || stop {
			return err
		}
	}

	return p.provider.Scan(prefix, func(key []byte, _ uint64, value []byte) (bool, error) {
		if seen[string(key)] {
			return false, nil // already yielded (or shadowed) from the working set
		}
		return visit(key, value)
	})
}

// Commit runs the five-step protocol under the store's single global
// commit mutex: validate every key the working set touched against its
// current committed ts (from the cache, or the provider on a cache miss),
// and — only if every check passes — assign ts_c, apply writes to the
// cache, enqueue them for durable persistence, and bump each touched
// relation's cache version.
//
// Returns ErrConflict (not an error wrapping it — callers are expected to
// check with errors.Is and retry) if validation fails. The transaction is
// unusable after Commit returns, success or not; a retry means calling
// Store.Begin again and redoing the work.
func (t *Txn) Commit() error {
	if t.done {
		return errors.New("store: commit called twice on the same transaction")
	}
	t.done = true

	if len(t.working) == 0 {
		return nil // nothing read or written, nothing to validate or apply
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	// Step 3: validate every touched key. The cache, not the provider, is
	// the source of truth for "currently committed ts" here: Cache.Put is
	// only ever called while holding t.store.mu (here, and in the
	// background durability writer's case it isn't called at all — the
	// writer only persists, Commit itself updates the cache), so a cache
	// hit reflects every commit that happened-before this one. The
	// durability writer applies writes to the provider asynchronously, so
	// reading the provider directly here would race against unflushed
	// writes and could silently miss a conflict. The provider is only
	// consulted on a cache miss (an evicted key), whose durable write must
	// already have landed before eviction could happen.
	for wk, e := range t.working {
		p := t.store.partition(wk.relation)
		var currentTS uint64
		if entry, ok := p.cache.Get(wk.key); ok {
			currentTS = entry.ts
		} else {
			var err error
			currentTS, _, err = p.provider.Get(e.Key)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return pkgerrors.Wrapf(err, "validating %s during commit", wk.relation)
			}
		}
		if currentTS > e.ObservedTS {
			return ErrConflict
		}
	}

	// Step 5: apply. tsC is assigned only once validation has passed, so a
	// conflicting transaction never consumes a timestamp.
	tsC := t.store.tsCounter.Add(1)
	touched := bitset.New(uint(relationCount))
	keyCount := 0
	for wk, e := range t.working {
		if e.Op == OpRead {
			continue
		}
		p := t.store.partition(wk.relation)
		touched.Set(uint(wk.relation))
		keyCount++

		if e.Op == OpTombstone {
			p.cache.Put(wk.key, cacheEntry{ts: tsC, tombstone: true})
			t.store.writer.enqueue(writeJob{partition: p, ts: tsC, key: e.Key, tombstone: true})
		} else {
			p.cache.Put(wk.key, cacheEntry{ts: tsC, value: e.Value})
			t.store.writer.enqueue(writeJob{partition: p, ts: tsC, key: e.Key, value: e.Value})
		}
	}
	if keyCount > 0 {
		t.store.traces.record(CommitTrace{TS: tsC, Relations: touched, KeyCount: keyCount})
	}

	return nil
}
