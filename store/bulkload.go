package store

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"moor/db"
	"moor/types"
)

// BulkLoad replays a loaded textdump (db.Database.Objects, as produced by
// db.LoadDatabase) into the relation store as a single transaction, per
// SPEC_FULL.md §4.3: "db/reader.go's LoadDatabase becomes the
// LoaderInterface an external textdump importer would call ... kept as
// store.BulkLoad(txn, objects) so db/reader.go's logic is reused, not
// discarded." The caller commits txn; BulkLoad only buffers writes, so a
// failed load never touches durable state.
func BulkLoad(txn *Txn, objects map[types.ObjID]*db.Object) error {
	index := newPropertyUUIDIndex(objects)
	for id, obj := range objects {
		if obj == nil || obj.Recycled {
			continue
		}
		if err := bulkLoadObject(txn, id, obj, index); err != nil {
			return pkgerrors.Wrapf(err, "bulk-loading object #%d", id)
		}
	}
	return nil
}

var bulkLoadNamespace = uuid.MustParse("6f6e3ee4-0c0a-4b6f-9f6a-6d6f6f722d6d")

func verbUUID(obj types.ObjID, primaryName string) uuid.UUID {
	return uuid.NewSHA1(bulkLoadNamespace, []byte(fmt.Sprintf("verb:%d:%s", obj, primaryName)))
}

func propUUID(definingObj types.ObjID, name string) uuid.UUID {
	return uuid.NewSHA1(bulkLoadNamespace, []byte(fmt.Sprintf("prop:%d:%s", definingObj, name)))
}

// NewPropertyUUID mints the same deterministic uuid propUUID uses during
// bulk load, so world.State.DefineProperty's freshly-defined properties
// share the scheme a loaded textdump's properties use.
func NewPropertyUUID(definingObj types.ObjID, name string) uuid.UUID {
	return propUUID(definingObj, name)
}

// NewVerbUUID is NewPropertyUUID's counterpart for verbs.
func NewVerbUUID(obj types.ObjID, primaryName string) uuid.UUID {
	return verbUUID(obj, primaryName)
}

// EncodePropPerms packs a (owner, perms, clear) triple the same way
// encodePropPerms does, for callers outside this package (world.State)
// that build the triple from fields rather than a *db.Property.
func EncodePropPerms(owner types.ObjID, perms db.PropertyPerms, clear bool) []byte {
	return encodePropPerms(&db.Property{Owner: owner, Perms: perms, Clear: clear})
}

// propertyUUIDIndex resolves, for an (object, property name) pair, the uuid
// of the ancestor that actually defines the property — so that a
// descendant's own instance-value row (db.Object.Properties lets every
// object in the chain carry a value, even for inherited properties, so the
// "clear" flag can override a specific ancestor's value) shares the same
// property id as the definition, so every live property id has matching
// rows in both value and permissions tables. Without this, two unrelated objects inheriting the same property name
// would get two different uuids and resolve_property's walk-by-uuid would
// never find the ancestor's concrete value.
type propertyUUIDIndex struct {
	objects map[types.ObjID]*db.Object
	cache   map[types.ObjID]map[string]uuid.UUID
}

func newPropertyUUIDIndex(objects map[types.ObjID]*db.Object) *propertyUUIDIndex {
	return &propertyUUIDIndex{objects: objects, cache: make(map[types.ObjID]map[string]uuid.UUID)}
}

func (idx *propertyUUIDIndex) uuidFor(obj types.ObjID, name string) uuid.UUID {
	if byName, ok := idx.cache[obj]; ok {
		if u, ok := byName[name]; ok {
			return u
		}
	}
	definer := idx.definingAncestor(obj, name)
	u := propUUID(definer, name)
	if idx.cache[obj] == nil {
		idx.cache[obj] = make(map[string]uuid.UUID)
	}
	idx.cache[obj][name] = u
	return u
}

// definingAncestor walks obj's parent chain (breadth-first, matching
// db.Store.FindVerb's search order) looking for the object whose PropDefs
// slice actually declares name, rather than merely carrying an inherited
// instance value for it.
func (idx *propertyUUIDIndex) definingAncestor(obj types.ObjID, name string) types.ObjID {
	visited := make(map[types.ObjID]bool)
	queue := []types.ObjID{obj}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		o := idx.objects[current]
		if o == nil {
			continue
		}
		limit := o.PropDefsCount
		if limit > len(o.PropOrder) {
			limit = len(o.PropOrder)
		}
		for i := 0; i < limit; i++ {
			if o.PropOrder[i] == name {
				return current
			}
		}
		queue = append(queue, o.Parents...)
	}
	// No definer found in the known graph (a dangling/partial load) — fall
	// back to treating obj itself as the definer so the property still gets
	// a stable, if locally-scoped, uuid.
	return obj
}

func bulkLoadObject(txn *Txn, id types.ObjID, obj *db.Object, index *propertyUUIDIndex) error {
	key := ObjKey(id)

	if len(obj.Parents) > 0 {
		writeValue(txn, RelationObjectParent, key, types.NewObj(obj.Parents[0]))
	}
	writeValue(txn, RelationObjectLocation, key, types.NewObj(obj.Location))
	writeValue(txn, RelationObjectFlags, key, types.NewInt(int64(obj.Flags)))
	writeValue(txn, RelationObjectName, key, types.NewStr(obj.Name))
	writeValue(txn, RelationObjectOwner, key, types.NewObj(obj.Owner))

	if obj.Anonymous {
		meta := types.NewList([]types.Value{
			types.NewObj(firstParent(obj)),
			types.NewObj(obj.Owner),
			types.NewInt(0), // refcount; populated by a later property-graph gc pass
		})
		writeValue(txn, RelationAnonymousObjectMetadata, key, meta)
	}

	verbDefs := make([]types.Value, 0, len(obj.VerbList))
	for _, v := range obj.VerbList {
		if v == nil {
			continue
		}
		vid := verbUUID(id, v.Name)
		progKey := ObjUUIDKey(id, vid)
		txn.Write(RelationVerbProgram, progKey, []byte(strings.Join(v.Code, "\n")))

		names := v.Names
		if len(names) == 0 {
			names = []string{v.Name}
		}
		nameVals := make([]types.Value, len(names))
		for i, n := range names {
			nameVals[i] = types.NewStr(n)
		}

		verbDefs = append(verbDefs, types.NewList([]types.Value{
			types.NewBinary(vid[:]),
			types.NewList(nameVals),
			types.NewObj(v.Owner),
			types.NewInt(int64(v.Perms)),
			types.NewStr(v.ArgSpec.This),
			types.NewStr(v.ArgSpec.Prep),
			types.NewStr(v.ArgSpec.That),
		}))
	}
	writeValue(txn, RelationObjectVerbs, key, types.NewList(verbDefs))

	propDefs := make([]types.Value, 0, obj.PropDefsCount)
	limit := obj.PropDefsCount
	if limit > len(obj.PropOrder) {
		limit = len(obj.PropOrder)
	}
	for i := 0; i < limit; i++ {
		name := obj.PropOrder[i]
		pid := index.uuidFor(id, name)
		propDefs = append(propDefs, types.NewList([]types.Value{
			types.NewBinary(pid[:]),
			types.NewStr(name),
		}))
	}
	writeValue(txn, RelationObjectPropDefs, key, types.NewList(propDefs))

	// Every name this object carries a value for — locally defined or an
	// inherited instance override — gets a ObjectPropertyValue/
	// ObjectPropertyPermissions row keyed by the defining ancestor's uuid.
	for _, name := range obj.PropOrder {
		prop := obj.Properties[name]
		if prop == nil {
			continue
		}
		pid := index.uuidFor(id, name)
		propKey := ObjUUIDKey(id, pid)

		if !prop.Clear && prop.Value != nil {
			enc, err := EncodeValue(prop.Value)
			if err != nil {
				return pkgerrors.Wrapf(err, "encoding property %s on #%d", name, id)
			}
			txn.Write(RelationObjectPropertyValue, propKey, enc)
		}
		txn.Write(RelationObjectPropertyPermissions, propKey, encodePropPerms(prop))
	}

	return nil
}

func firstParent(obj *db.Object) types.ObjID {
	if len(obj.Parents) == 0 {
		return types.ObjNothing
	}
	return obj.Parents[0]
}

func writeValue(txn *Txn, relation Relation, key []byte, v types.Value) {
	enc, err := EncodeValue(v)
	if err != nil {
		// Every value constructed in this file is one of EncodeValue's
		// supported variants; a failure here means this file's own
		// invariant broke, not bad input data.
		panic(pkgerrors.Wrap(err, "bulk-load encoding invariant violated"))
	}
	txn.Write(relation, key, enc)
}

// encodePropPerms packs {owner ObjID, perms byte, clear byte} — PropPerms'
// full shape plus db.Property's "clear" inheritance flag, which
// resolve_property (world.State) needs at read time.
func encodePropPerms(p *db.Property) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint64(b[0:8], uint64(p.Owner))
	b[8] = byte(p.Perms)
	if p.Clear {
		b[9] = 1
	}
	return b
}

// DecodePropPerms reverses encodePropPerms.
func DecodePropPerms(b []byte) (owner types.ObjID, perms db.PropertyPerms, clear bool) {
	owner = types.ObjID(binary.BigEndian.Uint64(b[0:8]))
	perms = db.PropertyPerms(b[8])
	clear = b[9] != 0
	return
}
