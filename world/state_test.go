package world

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moor/db"
	"moor/store"
	"moor/types"
)

func newTestState(t *testing.T) (*store.Store, *State) {
	t.Helper()
	factory := store.NewPebbleFactory(t.TempDir())
	s, err := store.NewStore(factory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	txn := s.Begin()
	return s, New(txn)
}

func TestCreateObjectRequiresFertileParent(t *testing.T) {
	_, w := newTestState(t)

	root, err := w.CreateObject(0, types.ObjNothing, 0, "root")
	require.NoError(t, err)

	_, err = w.CreateObject(1, root, 0, "child")
	require.Error(t, err)
	var moo *MooError
	require.ErrorAs(t, err, &moo)
	require.Equal(t, types.E_INVARG, moo.Code)
}

func TestCreateObjectUnderFertileParentSucceeds(t *testing.T) {
	_, w := newTestState(t)

	root, err := w.CreateObject(0, types.ObjNothing, db.FlagFertile, "root")
	require.NoError(t, err)

	child, err := w.CreateObject(1, root, 0, "child")
	require.NoError(t, err)

	parent, err := w.Parent(child)
	require.NoError(t, err)
	require.Equal(t, root, parent)
}

func TestChparentRejectsCycle(t *testing.T) {
	_, w := newTestState(t)

	a, err := w.CreateObject(0, types.ObjNothing, db.FlagFertile, "a")
	require.NoError(t, err)
	b, err := w.CreateObject(0, a, db.FlagFertile, "b")
	require.NoError(t, err)

	err = w.Chparent(a, b)
	require.Error(t, err)
	var moo *MooError
	require.ErrorAs(t, err, &moo)
	require.Equal(t, types.E_RECMOVE, moo.Code)
}

func TestMoveRejectsContainmentCycle(t *testing.T) {
	_, w := newTestState(t)

	a, err := w.CreateObject(0, types.ObjNothing, 0, "a")
	require.NoError(t, err)
	b, err := w.CreateObject(0, types.ObjNothing, 0, "b")
	require.NoError(t, err)

	require.NoError(t, w.Move(b, a))
	err = w.Move(a, b)
	require.Error(t, err)
	var moo *MooError
	require.ErrorAs(t, err, &moo)
	require.Equal(t, types.E_RECMOVE, moo.Code)
}

func TestRecycleReparentsChildren(t *testing.T) {
	_, w := newTestState(t)

	root, err := w.CreateObject(0, types.ObjNothing, db.FlagFertile, "root")
	require.NoError(t, err)
	middle, err := w.CreateObject(0, root, db.FlagFertile, "middle")
	require.NoError(t, err)
	leaf, err := w.CreateObject(0, middle, 0, "leaf")
	require.NoError(t, err)

	require.NoError(t, w.Recycle(middle))

	parent, err := w.Parent(leaf)
	require.NoError(t, err)
	require.Equal(t, root, parent)

	exists, err := w.Exists(middle)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestResolvePropertyInheritsUntilClear(t *testing.T) {
	_, w := newTestState(t)

	root, err := w.CreateObject(0, types.ObjNothing, db.FlagFertile, "root")
	require.NoError(t, err)
	require.NoError(t, w.DefineProperty(root, "color", 0, db.PropRead, types.NewStr("red")))

	child, err := w.CreateObject(0, root, db.FlagFertile, "child")
	require.NoError(t, err)

	resolved, err := w.ResolveProperty(child, "color")
	require.NoError(t, err)
	require.Equal(t, "color", resolved.Def.Name)
	require.Equal(t, "red", resolved.Value.(types.StrValue).Value())

	require.NoError(t, w.SetPropertyValue(child, "color", types.NewStr("blue")))
	resolved, err = w.ResolveProperty(child, "color")
	require.NoError(t, err)
	require.Equal(t, "blue", resolved.Value.(types.StrValue).Value())

	require.NoError(t, w.ClearProperty(child, "color"))
	resolved, err = w.ResolveProperty(child, "color")
	require.NoError(t, err)
	require.Equal(t, "red", resolved.Value.(types.StrValue).Value())
}

func TestResolveVerbWildcardMatch(t *testing.T) {
	_, w := newTestState(t)

	root, err := w.CreateObject(0, types.ObjNothing, db.FlagFertile, "root")
	require.NoError(t, err)
	_, err = w.DefineVerb(root, []string{"get_conj*ugation"}, 0, db.VerbExecute, db.VerbArgs{This: "any", Prep: "any", That: "any"}, []string{"return 1;"})
	require.NoError(t, err)

	child, err := w.CreateObject(0, root, 0, "child")
	require.NoError(t, err)

	resolved, err := w.ResolveVerb(child, "get_conjug", nil)
	require.NoError(t, err)
	require.Equal(t, root, resolved.Definer)

	_, err = w.ResolveVerb(child, "get_con", nil)
	require.Error(t, err)
	var moo *MooError
	require.ErrorAs(t, err, &moo)
	require.Equal(t, types.E_VERBNF, moo.Code)
}

func TestBatchMutateCollectsPerItemResults(t *testing.T) {
	_, w := newTestState(t)

	root, err := w.CreateObject(0, types.ObjNothing, db.FlagFertile, "root")
	require.NoError(t, err)

	results := w.BatchMutate(root, []ObjectMutation{
		{Kind: MutateDefineProperty, PropertyName: "x", PropertyOwner: 0, PropertyPerms: db.PropRead, Value: types.NewInt(1)},
		{Kind: MutateDeleteProperty, PropertyName: "does-not-exist"},
	})
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
}
