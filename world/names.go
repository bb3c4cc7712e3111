package world

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"moor/store"
	"moor/types"
)

// nameCacheSize bounds the $name-sugar cache the same way store/cache.go
// bounds its row cache: a fixed-capacity LRU rather than an unbounded map,
// since every live object is a candidate key and the working set of
// recently-referenced objects is what actually matters for trace output.
const nameCacheSize = 4096

// NameCache renders obj's ObjectName for use in `$name`-style trace and
// error-context strings, generalizing the original object-name lookup
// (used when printing a verb-not-found or property-not-found message) into
// a bounded cache so repeated renders of the same hot object (typically
// #0, the system object, and its immediate children) don't re-read the
// relation store every time.
type NameCache struct {
	entries *lru.Cache[types.ObjID, string]
}

// NewNameCache builds an empty name cache.
func NewNameCache() *NameCache {
	c, err := lru.New[types.ObjID, string](nameCacheSize)
	if err != nil {
		// Only non-positive sizes make lru.New fail, and nameCacheSize is a
		// positive compile-time constant.
		panic(err)
	}
	return &NameCache{entries: c}
}

// Name renders obj's name via s, caching the result. A nonexistent object
// renders as its numeric form, matching how a dangling #obj reference
// prints in a trace rather than erroring.
func (n *NameCache) Name(s *State, obj types.ObjID) string {
	if obj == types.ObjNothing {
		return "nothing"
	}
	if name, ok := n.entries.Get(obj); ok {
		return name
	}
	name, found, err := s.readStr(store.RelationObjectName, obj)
	var rendered string
	if err != nil || !found {
		rendered = fmt.Sprintf("#%d", obj)
	} else {
		rendered = fmt.Sprintf("%s (#%d)", name, obj)
	}
	n.entries.Add(obj, rendered)
	return rendered
}

// Invalidate drops obj's cached name — called after a rename (ObjectName
// write) so a stale render doesn't outlive the object it described.
func (n *NameCache) Invalidate(obj types.ObjID) {
	n.entries.Remove(obj)
}
