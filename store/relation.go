package store

import "fmt"

// Relation identifies one of the ten canonical world-state relations plus
// the two book-keeping relations (anonymous-object metadata and sequence
// counters). Each has its own Provider-backed partition.
type Relation int

const (
	RelationObjectParent Relation = iota
	RelationObjectLocation
	RelationObjectFlags
	RelationObjectName
	RelationObjectOwner
	RelationObjectVerbs
	RelationVerbProgram
	RelationObjectPropDefs
	RelationObjectPropertyValue
	RelationObjectPropertyPermissions
	RelationAnonymousObjectMetadata
	RelationSequences

	relationCount // sentinel, not a real relation
)

// HasSecondaryIndex reports whether a relation maintains a codomain->domain
// reverse index, per the partition layout below.
func (r Relation) HasSecondaryIndex() bool {
	switch r {
	case RelationObjectParent, RelationObjectLocation:
		return true
	default:
		return false
	}
}

func (r Relation) String() string {
	switch r {
	case RelationObjectParent:
		return "object_parent"
	case RelationObjectLocation:
		return "object_location"
	case RelationObjectFlags:
		return "object_flags"
	case RelationObjectName:
		return "object_name"
	case RelationObjectOwner:
		return "object_owner"
	case RelationObjectVerbs:
		return "object_verbs"
	case RelationVerbProgram:
		return "verb_program"
	case RelationObjectPropDefs:
		return "object_propdefs"
	case RelationObjectPropertyValue:
		return "object_property_value"
	case RelationObjectPropertyPermissions:
		return "object_property_permissions"
	case RelationAnonymousObjectMetadata:
		return "anonymous_object_metadata"
	case RelationSequences:
		return "sequences"
	default:
		return fmt.Sprintf("relation(%d)", int(r))
	}
}

// allRelations lists every relation in partition-creation order.
func allRelations() []Relation {
	rs := make([]Relation, 0, int(relationCount))
	for r := Relation(0); r < relationCount; r++ {
		rs = append(rs, r)
	}
	return rs
}
