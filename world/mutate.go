package world

import (
	"moor/db"
	"moor/types"
)

// MutationKind discriminates one ObjectMutation's operation, matching the
// define/delete/set-family method names 1:1.
type MutationKind int

const (
	MutateSetFlags MutationKind = iota
	MutateSetParent
	MutateSetLocation
	MutateDefineProperty
	MutateDeleteProperty
	MutateSetPropertyValue
	MutateSetPropertyFlags
	MutateClearProperty
	MutateDefineVerb
	MutateDeleteVerb
	MutateUpdateVerbProgram
	MutateUpdateVerbMetadata
)

// ObjectMutation is one item in a batch_mutate call. Only the fields its
// Kind uses are read; the rest are left zero.
type ObjectMutation struct {
	Kind MutationKind

	Flags db.ObjectFlags

	NewParent   types.ObjID
	NewLocation types.ObjID

	PropertyName string
	PropertyOwner types.ObjID
	PropertyPerms db.PropertyPerms
	Value         types.Value

	VerbName     string
	VerbNames    []string
	VerbOwner    types.ObjID
	VerbPerms    db.VerbPerms
	VerbArgSpec  db.VerbArgs
	VerbCode     []string
}

// MutationResult is batch_mutate's per-item outcome: either Err is nil and
// the mutation applied, or Err names the failure and every later item in
// the batch is still attempted (a batch is not transactional across items
// — the caller's own txn.Commit is the atomicity boundary).
type MutationResult struct {
	Index int
	Err   error
}

// BatchMutate applies each mutation to obj in order, collecting a result
// per item rather than stopping at the first failure — callers inspect
// MutationResult.Err to decide whether to commit or abandon the
// transaction.
func (s *State) BatchMutate(obj types.ObjID, mutations []ObjectMutation) []MutationResult {
	results := make([]MutationResult, len(mutations))
	for i, m := range mutations {
		results[i] = MutationResult{Index: i, Err: s.applyMutation(obj, m)}
	}
	return results
}

func (s *State) applyMutation(obj types.ObjID, m ObjectMutation) error {
	switch m.Kind {
	case MutateSetFlags:
		return s.SetObjectFlags(obj, m.Flags)
	case MutateSetParent:
		return s.SetParent(obj, m.NewParent)
	case MutateSetLocation:
		return s.SetLocation(obj, m.NewLocation)
	case MutateDefineProperty:
		return s.DefineProperty(obj, m.PropertyName, m.PropertyOwner, m.PropertyPerms, m.Value)
	case MutateDeleteProperty:
		return s.DeleteProperty(obj, m.PropertyName)
	case MutateSetPropertyValue:
		return s.SetPropertyValue(obj, m.PropertyName, m.Value)
	case MutateSetPropertyFlags:
		return s.SetPropertyPermissions(obj, m.PropertyName, m.PropertyOwner, m.PropertyPerms)
	case MutateClearProperty:
		return s.ClearProperty(obj, m.PropertyName)
	case MutateDefineVerb:
		_, err := s.DefineVerb(obj, m.VerbNames, m.VerbOwner, m.VerbPerms, m.VerbArgSpec, m.VerbCode)
		return err
	case MutateDeleteVerb:
		return s.DeleteVerb(obj, m.VerbName)
	case MutateUpdateVerbProgram:
		return s.UpdateVerbProgram(obj, m.VerbName, m.VerbCode)
	case MutateUpdateVerbMetadata:
		return s.UpdateVerbMetadata(obj, m.VerbName, m.VerbNames, m.VerbOwner, m.VerbPerms, m.VerbArgSpec)
	default:
		return errInvarg("unknown mutation kind %d", m.Kind)
	}
}
