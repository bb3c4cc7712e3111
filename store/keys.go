package store

import (
	"encoding/binary"

	"github.com/google/uuid"
	"moor/types"
)

// Keys are opaque bytes from the Provider's point of view; this file is the
// only place that knows how a relation's domain (Obj, (Obj,Uuid), or a
// sequence name) packs into one.

// ObjKey encodes a single-Obj domain (ObjectParent, ObjectLocation,
// ObjectFlags, ObjectName, ObjectOwner, ObjectVerbs, ObjectPropDefs,
// AnonymousObjectMetadata).
func ObjKey(id types.ObjID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// DecodeObjKey reverses ObjKey, for secondary-index reverse lookups.
func DecodeObjKey(key []byte) types.ObjID {
	return types.ObjID(binary.BigEndian.Uint64(key))
}

// ObjUUIDKey encodes a (Obj, Uuid) domain (VerbProgram,
// ObjectPropertyValue, ObjectPropertyPermissions).
func ObjUUIDKey(id types.ObjID, u uuid.UUID) []byte {
	b := make([]byte, 8+16)
	binary.BigEndian.PutUint64(b[:8], uint64(id))
	copy(b[8:], u[:])
	return b
}

// SeqKey encodes a Sequences domain entry (a short interned name, e.g.
// "max_object" or "next_anonymous").
func SeqKey(name string) []byte {
	return []byte(name)
}
