package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"moor/types"
)

// TestConcurrentIncrementsAreLinearizable is a small Jepsen-style history
// check: many goroutines race to read-increment-write the same counter
// through RunInTransaction's commit/conflict-retry loop. If the store ever
// let two transactions both observe the same committed value and both
// commit (a lost update — exactly what optimistic MVCC validation exists
// to prevent), the final counter undercounts the number of increments that
// reported success. This doesn't replay a recorded history the way a real
// Jepsen checker does; it generates one under contention and checks the
// single invariant that matters for a counter: committed increments ==
// final value.
func TestConcurrentIncrementsAreLinearizable(t *testing.T) {
	s := newTestStore(t)
	key := ObjKey(types.ObjID(999))

	const goroutines = 16
	const incrementsEach = 20

	var wg sync.WaitGroup
	var successes atomic64

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < incrementsEach; i++ {
				err := RunInTransaction(s, DefaultRetryPolicy(), func(txn *Txn) error {
					raw, found, err := txn.Read(RelationSequences, key)
					if err != nil {
						return err
					}
					var cur int64
					if found {
						v, err := DecodeValue(raw)
						if err != nil {
							return err
						}
						cur = v.(types.IntValue).Val
					}
					enc, err := EncodeValue(types.NewInt(cur + 1))
					if err != nil {
						return err
					}
					txn.Write(RelationSequences, key, enc)
					return nil
				})
				require.NoError(t, err)
				successes.add(1)
			}
		}()
	}
	wg.Wait()

	readTxn := s.Begin()
	raw, found, err := readTxn.Read(RelationSequences, key)
	require.NoError(t, err)
	require.True(t, found)
	final, err := DecodeValue(raw)
	require.NoError(t, err)

	require.Equal(t, successes.load(), final.(types.IntValue).Val)
	require.Equal(t, int64(goroutines*incrementsEach), final.(types.IntValue).Val)
}

// atomic64 is a tiny test-local counter; sync/atomic's Int64 type requires
// Go 1.19+, which this module already targets, but spelling it out here
// keeps the test self-contained and obviously race-free under -race.
type atomic64 struct {
	mu  sync.Mutex
	val int64
}

func (a *atomic64) add(n int64) {
	a.mu.Lock()
	a.val += n
	a.mu.Unlock()
}

func (a *atomic64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}
