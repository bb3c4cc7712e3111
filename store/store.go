package store

import (
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"
)

// defaultCacheSize bounds each relation's resident row count. Sized for a
// moderate single-process world; a deployment with a much larger database
// would make this a config.Config field, but that's not exercised here.
const defaultCacheSize = 8192

// partition bundles one relation's durable Provider with its read-through
// Cache.
type partition struct {
	relation Relation
	provider Provider
	cache    *Cache
}

// Store is the transactional relation store: a single global commit
// mutex, one partition per Relation, a monotonic
// timestamp counter, and a background durability writer. Mirrors the
// server.Scheduler in spirit — one struct holding a sync.Mutex
// guarding a short critical section plus a worker pool for the slow part.
type Store struct {
	mu         sync.Mutex
	tsCounter  atomic.Uint64
	partitions map[Relation]*partition
	writer     *durabilityWriter
	traces     *commitTraceRing

	// OnFatalError is invoked (off the commit path) when a durable write
	// fails. Left nil by NewStore; callers wanting log-and-exit behavior on
	// a fatal write failure set it explicitly, since that policy belongs
	// to cmd/daemon, not this package.
	OnFatalError func(error)
}

// NewStore opens one partition per relation from factory and starts the
// background durability writer. factory may mix providers per relation
// (e.g. pebble for the big relations, bbolt for tasks/sequences) — Store
// doesn't care, it only calls ProviderFactory.OpenPartition.
func NewStore(factory ProviderFactory) (*Store, error) {
	s := &Store{
		partitions: make(map[Relation]*partition, int(relationCount)),
		traces:     newCommitTraceRing(traceRingSize),
	}
	for _, r := range allRelations() {
		p, err := factory.OpenPartition(r)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "opening partition for %s", r)
		}
		s.partitions[r] = &partition{relation: r, provider: p, cache: NewCache(defaultCacheSize)}
	}
	s.writer = newDurabilityWriter(4, func(err error) {
		if s.OnFatalError != nil {
			s.OnFatalError(err)
		}
	})
	return s, nil
}

// Begin starts a new transaction with a read timestamp equal to the latest
// assigned commit timestamp — it sees every transaction committed strictly
// before it started, and none committed concurrently.
func (s *Store) Begin() *Txn {
	return &Txn{
		store:   s,
		readTS:  s.tsCounter.Load(),
		working: make(map[workingKey]*Entry),
	}
}

// Close drains the durability writer and closes every partition's provider.
func (s *Store) Close() error {
	if err := s.writer.Close(); err != nil {
		return pkgerrors.Wrap(err, "draining durability writer")
	}
	for _, p := range s.partitions {
		if err := p.provider.Close(); err != nil {
			return pkgerrors.Wrapf(err, "closing partition %s", p.relation)
		}
	}
	return nil
}

func (s *Store) partition(relation Relation) *partition {
	p, ok := s.partitions[relation]
	if !ok {
		panic("store: unknown relation " + relation.String())
	}
	return p
}
