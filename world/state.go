// Package world is the object-model façade over the transactional relation
// store: it turns create_object/chparent/move/resolve_property/resolve_verb
// and the property/verb define-delete-set family into reads and writes
// against a store.Txn, enforcing inheritance, permissions, and cycle rules.
// Generalized from the original *db.Object/*db.Store methods
// (db/writer_object.go, server/matcher.go, eval/properties.go) to operate on
// relations instead of live Go pointers.
package world

import (
	"moor/db"
	"moor/store"
	"moor/types"
)

// State is one world-state façade bound to a single transaction. Every
// method call reads/writes through txn, so its effects are only durable (and
// visible to other transactions) once the caller commits txn.
type State struct {
	txn *store.Txn
}

// New binds a world.State to txn.
func New(txn *store.Txn) *State {
	return &State{txn: txn}
}

func (s *State) readObj(relation store.Relation, id types.ObjID) (types.ObjID, bool, error) {
	raw, found, err := s.txn.Read(relation, store.ObjKey(id))
	if err != nil || !found {
		return types.ObjNothing, found, err
	}
	v, err := store.DecodeValue(raw)
	if err != nil {
		return types.ObjNothing, false, err
	}
	obj, ok := v.(types.ObjValue)
	if !ok {
		return types.ObjNothing, false, errInvarg("relation %s row for #%d is not an Obj", relation, id)
	}
	return obj.ID(), true, nil
}

func (s *State) writeObj(relation store.Relation, id types.ObjID, value types.ObjID) error {
	enc, err := store.EncodeValue(types.NewObj(value))
	if err != nil {
		return err
	}
	s.txn.Write(relation, store.ObjKey(id), enc)
	return nil
}

func (s *State) readInt(relation store.Relation, id types.ObjID) (int64, bool, error) {
	raw, found, err := s.txn.Read(relation, store.ObjKey(id))
	if err != nil || !found {
		return 0, found, err
	}
	v, err := store.DecodeValue(raw)
	if err != nil {
		return 0, false, err
	}
	iv, ok := v.(types.IntValue)
	if !ok {
		return 0, false, errInvarg("relation %s row for #%d is not an Int", relation, id)
	}
	return iv.Val, true, nil
}

func (s *State) readStr(relation store.Relation, id types.ObjID) (string, bool, error) {
	raw, found, err := s.txn.Read(relation, store.ObjKey(id))
	if err != nil || !found {
		return "", found, err
	}
	v, err := store.DecodeValue(raw)
	if err != nil {
		return "", false, err
	}
	sv, ok := v.(types.StrValue)
	if !ok {
		return "", false, errInvarg("relation %s row for #%d is not a Str", relation, id)
	}
	return sv.Value(), true, nil
}

// Exists reports whether obj has a live ObjectFlags row — the one relation
// every non-recycled object always has, created at CreateObject and removed
// at Recycle.
func (s *State) Exists(obj types.ObjID) (bool, error) {
	if obj < 0 {
		return false, nil
	}
	_, found, err := s.txn.Read(store.RelationObjectFlags, store.ObjKey(obj))
	return found, err
}

// Flags returns obj's object flags.
func (s *State) Flags(obj types.ObjID) (db.ObjectFlags, error) {
	v, found, err := s.readInt(store.RelationObjectFlags, obj)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errInvarg("#%d does not exist", obj)
	}
	return db.ObjectFlags(v), nil
}

// Parent returns obj's single parent, or types.ObjNothing if it has none.
func (s *State) Parent(obj types.ObjID) (types.ObjID, error) {
	parent, found, err := s.readObj(store.RelationObjectParent, obj)
	if err != nil {
		return types.ObjNothing, err
	}
	if !found {
		return types.ObjNothing, nil
	}
	return parent, nil
}

// Location returns obj's container, or types.ObjNothing if it has none.
func (s *State) Location(obj types.ObjID) (types.ObjID, error) {
	loc, found, err := s.readObj(store.RelationObjectLocation, obj)
	if err != nil {
		return types.ObjNothing, err
	}
	if !found {
		return types.ObjNothing, nil
	}
	return loc, nil
}

// ancestorChain returns [obj, parent(obj), parent(parent(obj)), ...], ending
// at the root (an object with no parent). Cycle detection stops the walk
// from looping forever if the parent relation was ever corrupted into one.
func (s *State) ancestorChain(obj types.ObjID) ([]types.ObjID, error) {
	chain := make([]types.ObjID, 0, 8)
	visited := make(map[types.ObjID]bool)
	cur := obj
	for cur != types.ObjNothing {
		if visited[cur] {
			break
		}
		visited[cur] = true
		chain = append(chain, cur)
		parent, err := s.Parent(cur)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	return chain, nil
}

// isAncestor reports whether candidate appears in obj's own ancestor chain
// (obj included) — the shared cycle check chparent and move both need.
func (s *State) isAncestor(candidate, obj types.ObjID) (bool, error) {
	chain, err := s.ancestorChain(obj)
	if err != nil {
		return false, err
	}
	for _, a := range chain {
		if a == candidate {
			return true, nil
		}
	}
	return false, nil
}

// childrenOf scans RelationObjectParent for every object whose parent is
// obj. There is no maintained secondary index here — a linear partition
// scan stands in for one; see DESIGN.md for the tradeoff.
func (s *State) childrenOf(obj types.ObjID) ([]types.ObjID, error) {
	return s.reverseLookup(store.RelationObjectParent, obj)
}

// contentsOf scans RelationObjectLocation for every object located in obj.
func (s *State) contentsOf(obj types.ObjID) ([]types.ObjID, error) {
	return s.reverseLookup(store.RelationObjectLocation, obj)
}

func (s *State) reverseLookup(relation store.Relation, target types.ObjID) ([]types.ObjID, error) {
	var result []types.ObjID
	err := s.txn.Scan(relation, nil, func(key []byte, value []byte) (bool, error) {
		v, decErr := store.DecodeValue(value)
		if decErr != nil {
			return false, decErr
		}
		obj, ok := v.(types.ObjValue)
		if ok && obj.ID() == target {
			result = append(result, store.DecodeObjKey(key))
		}
		return false, nil
	})
	return result, err
}

// nextObjectID allocates the next positive object id from the Sequences
// relation, generalizing db.Store.NextID's high-water counter
// into a transactional sequence row so concurrent create_object calls
// conflict (and retry) instead of racing.
func (s *State) nextObjectID() (types.ObjID, error) {
	key := store.SeqKey("max_object")
	raw, found, err := s.txn.Read(store.RelationSequences, key)
	next := int64(0)
	if err != nil {
		return types.ObjNothing, err
	}
	if found {
		v, decErr := store.DecodeValue(raw)
		if decErr != nil {
			return types.ObjNothing, decErr
		}
		iv, ok := v.(types.IntValue)
		if !ok {
			return types.ObjNothing, errInvarg("max_object sequence row is not an Int")
		}
		next = iv.Val + 1
	}
	enc, err := store.EncodeValue(types.NewInt(next))
	if err != nil {
		return types.ObjNothing, err
	}
	s.txn.Write(store.RelationSequences, key, enc)
	return types.ObjID(next), nil
}

// CreateObject allocates a new object id, parented under parent (or
// parentless if types.ObjNothing), owned by owner.
func (s *State) CreateObject(owner, parent types.ObjID, flags db.ObjectFlags, name string) (types.ObjID, error) {
	if parent != types.ObjNothing {
		exists, err := s.Exists(parent)
		if err != nil {
			return types.ObjNothing, err
		}
		if !exists {
			return types.ObjNothing, errInvarg("parent #%d does not exist", parent)
		}
		parentFlags, err := s.Flags(parent)
		if err != nil {
			return types.ObjNothing, err
		}
		parentOwner, _, err := s.readObj(store.RelationObjectOwner, parent)
		if err != nil {
			return types.ObjNothing, err
		}
		if !parentFlags.Has(db.FlagFertile) && owner != parentOwner {
			return types.ObjNothing, errInvarg("parent #%d is not fertile", parent)
		}
	}

	id, err := s.nextObjectID()
	if err != nil {
		return types.ObjNothing, err
	}

	if parent != types.ObjNothing {
		if err := s.writeObj(store.RelationObjectParent, id, parent); err != nil {
			return types.ObjNothing, err
		}
	}
	if err := s.writeObj(store.RelationObjectLocation, id, types.ObjNothing); err != nil {
		return types.ObjNothing, err
	}
	s.txn.Write(store.RelationObjectFlags, store.ObjKey(id), mustEncode(types.NewInt(int64(flags))))
	s.txn.Write(store.RelationObjectName, store.ObjKey(id), mustEncode(types.NewStr(name)))
	if err := s.writeObj(store.RelationObjectOwner, id, owner); err != nil {
		return types.ObjNothing, err
	}
	s.txn.Write(store.RelationObjectVerbs, store.ObjKey(id), mustEncode(types.NewList(nil)))
	s.txn.Write(store.RelationObjectPropDefs, store.ObjKey(id), mustEncode(types.NewList(nil)))

	return id, nil
}

// Recycle removes every relation row for obj and its contents, re-parenting
// obj's children to obj's own parent and moving its contents out to
// nowhere.
func (s *State) Recycle(obj types.ObjID) error {
	exists, err := s.Exists(obj)
	if err != nil {
		return err
	}
	if !exists {
		return errInvarg("#%d does not exist", obj)
	}

	parent, err := s.Parent(obj)
	if err != nil {
		return err
	}
	children, err := s.childrenOf(obj)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.Chparent(child, parent); err != nil {
			return err
		}
	}

	contents, err := s.contentsOf(obj)
	if err != nil {
		return err
	}
	for _, item := range contents {
		if err := s.Move(item, types.ObjNothing); err != nil {
			return err
		}
	}

	verbs, err := s.verbDefsOf(obj)
	if err != nil {
		return err
	}
	for _, v := range verbs {
		s.txn.Delete(store.RelationVerbProgram, store.ObjUUIDKey(obj, v.UUID))
	}

	props, err := s.propDefsOf(obj)
	if err != nil {
		return err
	}
	for _, p := range props {
		propKey := store.ObjUUIDKey(obj, p.UUID)
		s.txn.Delete(store.RelationObjectPropertyValue, propKey)
		s.txn.Delete(store.RelationObjectPropertyPermissions, propKey)
	}

	key := store.ObjKey(obj)
	s.txn.Delete(store.RelationObjectParent, key)
	s.txn.Delete(store.RelationObjectLocation, key)
	s.txn.Delete(store.RelationObjectFlags, key)
	s.txn.Delete(store.RelationObjectName, key)
	s.txn.Delete(store.RelationObjectOwner, key)
	s.txn.Delete(store.RelationObjectVerbs, key)
	s.txn.Delete(store.RelationObjectPropDefs, key)
	s.txn.Delete(store.RelationAnonymousObjectMetadata, key)

	return nil
}

// Chparent reassigns obj's parent, failing with E_RECMOVE if new_parent is
// obj itself or a descendant of obj (a cycle).
func (s *State) Chparent(obj, newParent types.ObjID) error {
	if newParent != types.ObjNothing {
		exists, err := s.Exists(newParent)
		if err != nil {
			return err
		}
		if !exists {
			return errInvarg("new parent #%d does not exist", newParent)
		}
		cyclic, err := s.isAncestor(obj, newParent)
		if err != nil {
			return err
		}
		if cyclic {
			return errRecmove("#%d is already an ancestor of #%d", obj, newParent)
		}
	}
	return s.writeObj(store.RelationObjectParent, obj, newParent)
}

// Move relocates obj into newLocation, failing with E_RECMOVE on a
// containment cycle. accept/enterfunc/exitfunc verb calls are a scheduler
// concern, observable via a scheduler hook — this method only updates the
// relation once the caller has already run (and accepted) them.
func (s *State) Move(obj, newLocation types.ObjID) error {
	if newLocation != types.ObjNothing {
		exists, err := s.Exists(newLocation)
		if err != nil {
			return err
		}
		if !exists {
			return errInvarg("destination #%d does not exist", newLocation)
		}
		cyclic, err := s.isContainer(obj, newLocation)
		if err != nil {
			return err
		}
		if cyclic {
			return errRecmove("#%d already contains #%d", obj, newLocation)
		}
	}
	return s.writeObj(store.RelationObjectLocation, obj, newLocation)
}

// isContainer reports whether obj contains candidate, directly or
// transitively, by walking candidate's Location chain.
func (s *State) isContainer(obj, candidate types.ObjID) (bool, error) {
	visited := make(map[types.ObjID]bool)
	cur := candidate
	for cur != types.ObjNothing {
		if visited[cur] {
			break
		}
		visited[cur] = true
		if cur == obj {
			return true, nil
		}
		loc, err := s.Location(cur)
		if err != nil {
			return false, err
		}
		cur = loc
	}
	return false, nil
}

// SetObjectFlags overwrites obj's flag bitset.
func (s *State) SetObjectFlags(obj types.ObjID, flags db.ObjectFlags) error {
	exists, err := s.Exists(obj)
	if err != nil {
		return err
	}
	if !exists {
		return errInvarg("#%d does not exist", obj)
	}
	s.txn.Write(store.RelationObjectFlags, store.ObjKey(obj), mustEncode(types.NewInt(int64(flags))))
	return nil
}

// SetParent is the define/delete/set-family alias for Chparent.
func (s *State) SetParent(obj, newParent types.ObjID) error { return s.Chparent(obj, newParent) }

// SetLocation is the define/delete/set-family alias for Move.
func (s *State) SetLocation(obj, newLocation types.ObjID) error { return s.Move(obj, newLocation) }

func mustEncode(v types.Value) []byte {
	enc, err := store.EncodeValue(v)
	if err != nil {
		panic(err)
	}
	return enc
}
