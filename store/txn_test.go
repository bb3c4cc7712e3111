package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moor/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	factory := NewPebbleFactory(t.TempDir())
	s, err := NewStore(factory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTxnReadYourOwnWrite(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()

	key := ObjKey(types.ObjID(100))
	enc, err := EncodeValue(types.NewStr("Gustavo"))
	require.NoError(t, err)
	txn.Write(RelationObjectName, key, enc)

	value, found, err := txn.Read(RelationObjectName, key)
	require.NoError(t, err)
	require.True(t, found)

	decoded, err := DecodeValue(value)
	require.NoError(t, err)
	require.Equal(t, "Gustavo", decoded.(types.StrValue).Value())
}

func TestTxnCommitIsVisibleToLaterTransactions(t *testing.T) {
	s := newTestStore(t)
	key := ObjKey(types.ObjID(7))

	txn1 := s.Begin()
	enc, err := EncodeValue(types.NewInt(42))
	require.NoError(t, err)
	txn1.Write(RelationObjectFlags, key, enc)
	require.NoError(t, txn1.Commit())

	txn2 := s.Begin()
	value, found, err := txn2.Read(RelationObjectFlags, key)
	require.NoError(t, err)
	require.True(t, found)
	decoded, err := DecodeValue(value)
	require.NoError(t, err)
	require.Equal(t, int64(42), decoded.(types.IntValue).Val)
}

func TestTxnCommitConflictOnConcurrentWrite(t *testing.T) {
	s := newTestStore(t)
	key := ObjKey(types.ObjID(1))

	seed := s.Begin()
	seedEnc, err := EncodeValue(types.NewInt(1))
	require.NoError(t, err)
	seed.Write(RelationObjectOwner, key, seedEnc)
	require.NoError(t, seed.Commit())

	txnA := s.Begin()
	txnB := s.Begin()

	// Both read the same row, establishing the same observed ts.
	_, _, err = txnA.Read(RelationObjectOwner, key)
	require.NoError(t, err)
	_, _, err = txnB.Read(RelationObjectOwner, key)
	require.NoError(t, err)

	encA, _ := EncodeValue(types.NewInt(2))
	txnA.Write(RelationObjectOwner, key, encA)
	require.NoError(t, txnA.Commit())

	encB, _ := EncodeValue(types.NewInt(3))
	txnB.Write(RelationObjectOwner, key, encB)
	err = txnB.Commit()
	require.ErrorIs(t, err, ErrConflict)
}

func TestTxnDeleteThenRead(t *testing.T) {
	s := newTestStore(t)
	key := ObjKey(types.ObjID(55))

	txn1 := s.Begin()
	enc, _ := EncodeValue(types.NewStr("temp"))
	txn1.Write(RelationObjectName, key, enc)
	require.NoError(t, txn1.Commit())

	txn2 := s.Begin()
	txn2.Delete(RelationObjectName, key)
	_, found, err := txn2.Read(RelationObjectName, key)
	require.NoError(t, err)
	require.False(t, found, "a deleted key should read as not-found within the same transaction")
	require.NoError(t, txn2.Commit())

	txn3 := s.Begin()
	_, found, err = txn3.Read(RelationObjectName, key)
	require.NoError(t, err)
	require.False(t, found)
}

func TestEncodeValueRoundTripsCompositeValues(t *testing.T) {
	list := types.NewList([]types.Value{
		types.NewInt(1),
		types.NewStr("two"),
		types.NewObj(types.ObjID(3)),
	})
	enc, err := EncodeValue(list)
	require.NoError(t, err)

	decoded, err := DecodeValue(enc)
	require.NoError(t, err)
	require.True(t, list.Equal(decoded))
}
