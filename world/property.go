package world

import (
	"github.com/google/uuid"

	"moor/db"
	"moor/store"
	"moor/types"
)

// PropDef names one property an object defines (not merely inherits): its
// stable uuid (shared by every descendant's override row, per
// store.propertyUUIDIndex) and its declared name.
type PropDef struct {
	UUID uuid.UUID
	Name string
}

// PropPerms is the owner/permission-bits/clear triple stored alongside a
// property's value, generalizing db.Property's flat fields into the
// relation model's uuid-keyed row.
type PropPerms struct {
	Owner types.ObjID
	Perms db.PropertyPerms
	Clear bool
}

func decodePropDefList(v types.Value) ([]PropDef, error) {
	list, ok := v.(types.ListValue)
	if !ok {
		return nil, errInvarg("ObjectPropDefs row is not a list")
	}
	defs := make([]PropDef, 0, list.Len())
	for _, elem := range list.Elements() {
		entry, ok := elem.(types.ListValue)
		if !ok || entry.Len() != 2 {
			return nil, errInvarg("malformed PropDef entry")
		}
		bin, ok := entry.Elements()[0].(types.BinaryValue)
		if !ok {
			return nil, errInvarg("PropDef uuid field is not binary")
		}
		name, ok := entry.Elements()[1].(types.StrValue)
		if !ok {
			return nil, errInvarg("PropDef name field is not a string")
		}
		u, err := uuid.FromBytes(bin.Bytes())
		if err != nil {
			return nil, errInvarg("PropDef uuid is malformed: %v", err)
		}
		defs = append(defs, PropDef{UUID: u, Name: name.Value()})
	}
	return defs, nil
}

func encodePropDefList(defs []PropDef) types.ListValue {
	elems := make([]types.Value, len(defs))
	for i, d := range defs {
		elems[i] = types.NewList([]types.Value{
			types.NewBinary(d.UUID[:]),
			types.NewStr(d.Name),
		})
	}
	return types.NewList(elems)
}

// propDefsOf reads and decodes obj's own ObjectPropDefs row (the properties
// obj itself defines, not what it inherits).
func (s *State) propDefsOf(obj types.ObjID) ([]PropDef, error) {
	raw, found, err := s.txn.Read(store.RelationObjectPropDefs, store.ObjKey(obj))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	v, err := store.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	return decodePropDefList(v)
}

func (s *State) writePropDefs(obj types.ObjID, defs []PropDef) error {
	enc, err := store.EncodeValue(encodePropDefList(defs))
	if err != nil {
		return err
	}
	s.txn.Write(store.RelationObjectPropDefs, store.ObjKey(obj), enc)
	return nil
}

func (s *State) readPropPerms(obj types.ObjID, propUUID uuid.UUID) (*PropPerms, bool, error) {
	key := store.ObjUUIDKey(obj, propUUID)
	raw, found, err := s.txn.Read(store.RelationObjectPropertyPermissions, key)
	if err != nil || !found {
		return nil, found, err
	}
	owner, perms, clear := store.DecodePropPerms(raw)
	return &PropPerms{Owner: owner, Perms: perms, Clear: clear}, true, nil
}

func (s *State) writePropPerms(obj types.ObjID, propUUID uuid.UUID, p PropPerms) {
	key := store.ObjUUIDKey(obj, propUUID)
	s.txn.Write(store.RelationObjectPropertyPermissions, key, store.EncodePropPerms(p.Owner, p.Perms, p.Clear))
}

func (s *State) readPropValue(obj types.ObjID, propUUID uuid.UUID) (types.Value, bool, error) {
	key := store.ObjUUIDKey(obj, propUUID)
	raw, found, err := s.txn.Read(store.RelationObjectPropertyValue, key)
	if err != nil || !found {
		return nil, found, err
	}
	v, err := store.DecodeValue(raw)
	return v, true, err
}

// resolvedProperty is what ResolveProperty hands back: the definer's PropDef
// (the shared uuid and canonical name), the nearest non-clear PropPerms
// found walking up from obj, and that same row's value.
type resolvedProperty struct {
	Def   PropDef
	Perms PropPerms
	Value types.Value
}

// ResolveProperty finds name on obj or its ancestors, generalizing
// eval/properties.go's findProperty BFS into a relation-read walk. Because
// the relation model is single-inheritance (ObjectParent: Obj -> Obj), the
// ancestor search is a linear walk rather than a BFS.
//
// The walk has two passes: first locate the ancestor that DEFINES the
// property (so every descendant shares one PropDef uuid), then re-walk from
// obj up to (and including) that definer looking for the nearest row that
// isn't marked clear — clear rows (and objects with no row) are skipped, so
// the first concrete value found walking upward wins.
func (s *State) ResolveProperty(obj types.ObjID, name string) (*resolvedProperty, error) {
	chain, err := s.ancestorChain(obj)
	if err != nil {
		return nil, err
	}

	var def *PropDef
	definerIdx := -1
	for i, ancestor := range chain {
		defs, err := s.propDefsOf(ancestor)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if d.Name == name {
				found := d
				def = &found
				definerIdx = i
				break
			}
		}
		if def != nil {
			break
		}
	}
	if def == nil {
		return nil, errPropnf("no property named %q on #%d or its ancestors", name, obj)
	}

	for i := 0; i <= definerIdx; i++ {
		ancestor := chain[i]
		perms, found, err := s.readPropPerms(ancestor, def.UUID)
		if err != nil {
			return nil, err
		}
		if !found || perms.Clear {
			continue
		}
		value, _, err := s.readPropValue(ancestor, def.UUID)
		if err != nil {
			return nil, err
		}
		return &resolvedProperty{Def: *def, Perms: *perms, Value: value}, nil
	}

	return nil, errPropnf("property %q on #%d has no concrete value in its ancestor chain", name, obj)
}

// DefineProperty adds a new property definition to obj with an initial
// value and permissions, failing with E_INVARG if obj (or an ancestor)
// already defines a property by that name.
func (s *State) DefineProperty(obj types.ObjID, name string, owner types.ObjID, perms db.PropertyPerms, value types.Value) error {
	if _, err := s.ResolveProperty(obj, name); err == nil {
		return errInvarg("property %q already defined on #%d or an ancestor", name, obj)
	} else if moo, ok := err.(*MooError); !ok || moo.Code != types.E_PROPNF {
		return err
	}

	defs, err := s.propDefsOf(obj)
	if err != nil {
		return err
	}
	propUUID := store.NewPropertyUUID(obj, name)
	defs = append(defs, PropDef{UUID: propUUID, Name: name})
	if err := s.writePropDefs(obj, defs); err != nil {
		return err
	}

	s.writePropPerms(obj, propUUID, PropPerms{Owner: owner, Perms: perms})
	if value != nil {
		enc, err := store.EncodeValue(value)
		if err != nil {
			return err
		}
		s.txn.Write(store.RelationObjectPropertyValue, store.ObjUUIDKey(obj, propUUID), enc)
	}
	return nil
}

// DeleteProperty removes a property obj itself defines, and every
// descendant's override row for it. Deleting an inherited (not
// locally-defined) property fails with E_PROPNF, matching findProperty's
// "can only delete what you define" rule.
func (s *State) DeleteProperty(obj types.ObjID, name string) error {
	defs, err := s.propDefsOf(obj)
	if err != nil {
		return err
	}
	idx := -1
	var target PropDef
	for i, d := range defs {
		if d.Name == name {
			idx, target = i, d
			break
		}
	}
	if idx < 0 {
		return errPropnf("#%d does not itself define property %q", obj, name)
	}

	remaining := append(defs[:idx:idx], defs[idx+1:]...)
	if err := s.writePropDefs(obj, remaining); err != nil {
		return err
	}

	s.txn.Delete(store.RelationObjectPropertyValue, store.ObjUUIDKey(obj, target.UUID))
	s.txn.Delete(store.RelationObjectPropertyPermissions, store.ObjUUIDKey(obj, target.UUID))

	descendants, err := s.descendantsOf(obj)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		key := store.ObjUUIDKey(d, target.UUID)
		s.txn.Delete(store.RelationObjectPropertyValue, key)
		s.txn.Delete(store.RelationObjectPropertyPermissions, key)
	}
	return nil
}

// descendantsOf walks childrenOf transitively — used by DeleteProperty and
// DeleteVerb to clean up every override row a removed definition leaves
// behind in the inheritance subtree.
func (s *State) descendantsOf(obj types.ObjID) ([]types.ObjID, error) {
	var result []types.ObjID
	queue := []types.ObjID{obj}
	visited := map[types.ObjID]bool{obj: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := s.childrenOf(cur)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if visited[c] {
				continue
			}
			visited[c] = true
			result = append(result, c)
			queue = append(queue, c)
		}
	}
	return result, nil
}

// SetPropertyValue writes obj's own override row for name, clearing any
// prior "clear" flag — setting a value always makes the row concrete.
func (s *State) SetPropertyValue(obj types.ObjID, name string, value types.Value) error {
	resolved, err := s.ResolveProperty(obj, name)
	if err != nil {
		return err
	}
	enc, err := store.EncodeValue(value)
	if err != nil {
		return err
	}
	s.txn.Write(store.RelationObjectPropertyValue, store.ObjUUIDKey(obj, resolved.Def.UUID), enc)

	perms, found, err := s.readPropPerms(obj, resolved.Def.UUID)
	if err != nil {
		return err
	}
	if !found {
		perms = &PropPerms{Owner: resolved.Perms.Owner, Perms: resolved.Perms.Perms}
	}
	perms.Clear = false
	s.writePropPerms(obj, resolved.Def.UUID, *perms)
	return nil
}

// SetPropertyPermissions updates owner/perms for name on obj, leaving value
// and clear-status untouched.
func (s *State) SetPropertyPermissions(obj types.ObjID, name string, owner types.ObjID, perms db.PropertyPerms) error {
	resolved, err := s.ResolveProperty(obj, name)
	if err != nil {
		return err
	}
	existing, found, err := s.readPropPerms(obj, resolved.Def.UUID)
	clear := false
	if found {
		clear = existing.Clear
	}
	if err != nil {
		return err
	}
	s.writePropPerms(obj, resolved.Def.UUID, PropPerms{Owner: owner, Perms: perms, Clear: clear})
	return nil
}

// ClearProperty marks obj's own row for name as clear, so resolution falls
// through to the next ancestor's value — the inverse of SetPropertyValue.
// obj must not be the property's definer (the definer's value can't be
// cleared, matching LambdaMOO's clear_property semantics).
func (s *State) ClearProperty(obj types.ObjID, name string) error {
	resolved, err := s.ResolveProperty(obj, name)
	if err != nil {
		return err
	}
	if resolved.Def.Name == name {
		defs, err := s.propDefsOf(obj)
		if err != nil {
			return err
		}
		for _, d := range defs {
			if d.UUID == resolved.Def.UUID {
				return errInvarg("cannot clear %q on #%d: it is the defining object", name, obj)
			}
		}
	}
	existing, found, err := s.readPropPerms(obj, resolved.Def.UUID)
	if err != nil {
		return err
	}
	owner, perms := resolved.Perms.Owner, resolved.Perms.Perms
	if found {
		owner, perms = existing.Owner, existing.Perms
	}
	s.writePropPerms(obj, resolved.Def.UUID, PropPerms{Owner: owner, Perms: perms, Clear: true})
	s.txn.Delete(store.RelationObjectPropertyValue, store.ObjUUIDKey(obj, resolved.Def.UUID))
	return nil
}
