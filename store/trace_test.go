package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moor/types"
)

func TestCommitRecordsTrace(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()

	enc, err := EncodeValue(types.NewStr("Gustavo"))
	require.NoError(t, err)
	txn.Write(RelationObjectName, ObjKey(types.ObjID(1)), enc)
	txn.Write(RelationObjectFlags, ObjKey(types.ObjID(1)), enc)
	require.NoError(t, txn.Commit())

	traces := s.Traces()
	require.NotEmpty(t, traces)
	last := traces[len(traces)-1]
	require.Equal(t, 2, last.KeyCount)
	require.True(t, last.Touched(RelationObjectName))
	require.True(t, last.Touched(RelationObjectFlags))
	require.False(t, last.Touched(RelationObjectOwner))
}

func TestReadOnlyCommitDoesNotRecordTrace(t *testing.T) {
	s := newTestStore(t)
	txn := s.Begin()
	_, _, err := txn.Read(RelationObjectName, ObjKey(types.ObjID(1)))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.Empty(t, s.Traces())
}

func TestCommitTraceRingWraps(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < traceRingSize+10; i++ {
		txn := s.Begin()
		enc, err := EncodeValue(types.NewInt(int64(i)))
		require.NoError(t, err)
		txn.Write(RelationSequences, ObjKey(types.ObjID(i)), enc)
		require.NoError(t, txn.Commit())
	}

	traces := s.Traces()
	require.Len(t, traces, traceRingSize)
}
