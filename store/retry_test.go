package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"moor/types"
)

func TestRunInTransactionCommitsOnFirstAttempt(t *testing.T) {
	s := newTestStore(t)
	key := ObjKey(types.ObjID(9))

	err := RunInTransaction(s, DefaultRetryPolicy(), func(txn *Txn) error {
		enc, err := EncodeValue(types.NewInt(5))
		require.NoError(t, err)
		txn.Write(RelationObjectOwner, key, enc)
		return nil
	})
	require.NoError(t, err)

	txn := s.Begin()
	value, found, err := txn.Read(RelationObjectOwner, key)
	require.NoError(t, err)
	require.True(t, found)
	decoded, err := DecodeValue(value)
	require.NoError(t, err)
	require.Equal(t, int64(5), decoded.(types.IntValue).Val)
}

func TestRunInTransactionRetriesOnConflictThenSucceeds(t *testing.T) {
	s := newTestStore(t)
	key := ObjKey(types.ObjID(10))

	seed := s.Begin()
	seedEnc, err := EncodeValue(types.NewInt(0))
	require.NoError(t, err)
	seed.Write(RelationObjectOwner, key, seedEnc)
	require.NoError(t, seed.Commit())

	attempts := 0
	// A concurrent writer steals the first attempt's commit out from under
	// it, forcing exactly one ErrConflict retry.
	var interloper *Txn
	err = RunInTransaction(s, DefaultRetryPolicy(), func(txn *Txn) error {
		attempts++
		_, _, rerr := txn.Read(RelationObjectOwner, key)
		require.NoError(t, rerr)
		if attempts == 1 {
			interloper = s.Begin()
			_, _, rerr := interloper.Read(RelationObjectOwner, key)
			require.NoError(t, rerr)
			interEnc, eerr := EncodeValue(types.NewInt(1))
			require.NoError(t, eerr)
			interloper.Write(RelationObjectOwner, key, interEnc)
			require.NoError(t, interloper.Commit())
		}
		enc, eerr := EncodeValue(types.NewInt(2))
		require.NoError(t, eerr)
		txn.Write(RelationObjectOwner, key, enc)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRunInTransactionPropagatesFnError(t *testing.T) {
	s := newTestStore(t)
	sentinel := errors.New("boom")

	err := RunInTransaction(s, DefaultRetryPolicy(), func(txn *Txn) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}
