package world

import (
	"strings"

	"github.com/google/uuid"

	"moor/db"
	"moor/store"
	"moor/types"
)

// VerbDef describes one verb an object defines: its stable uuid (the
// VerbProgram row's key), its name-and-aliases list, owner, permission
// bits, and argument-matching spec. Generalizes db.Verb's in-memory shape
// into the relation model's record layout.
type VerbDef struct {
	UUID    uuid.UUID
	Names   []string
	Owner   types.ObjID
	Perms   db.VerbPerms
	ArgSpec db.VerbArgs
}

func decodeVerbDefList(v types.Value) ([]VerbDef, error) {
	list, ok := v.(types.ListValue)
	if !ok {
		return nil, errInvarg("ObjectVerbs row is not a list")
	}
	defs := make([]VerbDef, 0, list.Len())
	for _, elem := range list.Elements() {
		entry, ok := elem.(types.ListValue)
		if !ok || entry.Len() != 7 {
			return nil, errInvarg("malformed VerbDef entry")
		}
		fields := entry.Elements()
		bin, ok := fields[0].(types.BinaryValue)
		if !ok {
			return nil, errInvarg("VerbDef uuid field is not binary")
		}
		u, err := uuid.FromBytes(bin.Bytes())
		if err != nil {
			return nil, errInvarg("VerbDef uuid is malformed: %v", err)
		}
		namesList, ok := fields[1].(types.ListValue)
		if !ok {
			return nil, errInvarg("VerbDef names field is not a list")
		}
		names := make([]string, 0, namesList.Len())
		for _, n := range namesList.Elements() {
			sv, ok := n.(types.StrValue)
			if !ok {
				return nil, errInvarg("VerbDef name element is not a string")
			}
			names = append(names, sv.Value())
		}
		owner, ok := fields[2].(types.ObjValue)
		if !ok {
			return nil, errInvarg("VerbDef owner field is not an Obj")
		}
		permsVal, ok := fields[3].(types.IntValue)
		if !ok {
			return nil, errInvarg("VerbDef perms field is not an Int")
		}
		this, ok := fields[4].(types.StrValue)
		if !ok {
			return nil, errInvarg("VerbDef argspec.this is not a string")
		}
		prep, ok := fields[5].(types.StrValue)
		if !ok {
			return nil, errInvarg("VerbDef argspec.prep is not a string")
		}
		that, ok := fields[6].(types.StrValue)
		if !ok {
			return nil, errInvarg("VerbDef argspec.that is not a string")
		}
		defs = append(defs, VerbDef{
			UUID:  u,
			Names: names,
			Owner: owner.ID(),
			Perms: db.VerbPerms(permsVal.Val),
			ArgSpec: db.VerbArgs{
				This: this.Value(),
				Prep: prep.Value(),
				That: that.Value(),
			},
		})
	}
	return defs, nil
}

func encodeVerbDefList(defs []VerbDef) types.ListValue {
	elems := make([]types.Value, len(defs))
	for i, d := range defs {
		nameVals := make([]types.Value, len(d.Names))
		for j, n := range d.Names {
			nameVals[j] = types.NewStr(n)
		}
		elems[i] = types.NewList([]types.Value{
			types.NewBinary(d.UUID[:]),
			types.NewList(nameVals),
			types.NewObj(d.Owner),
			types.NewInt(int64(d.Perms)),
			types.NewStr(d.ArgSpec.This),
			types.NewStr(d.ArgSpec.Prep),
			types.NewStr(d.ArgSpec.That),
		})
	}
	return types.NewList(elems)
}

// verbDefsOf reads and decodes obj's own ObjectVerbs row.
func (s *State) verbDefsOf(obj types.ObjID) ([]VerbDef, error) {
	raw, found, err := s.txn.Read(store.RelationObjectVerbs, store.ObjKey(obj))
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
	return decodeVerbDefList(v)
}

func (s *State) writeVerbDefs(obj types.ObjID, defs []VerbDef) error {
	enc, err := store.EncodeValue(encodeVerbDefList(defs))
	if err != nil {
		return err
	}
	s.txn.Write(store.RelationObjectVerbs, store.ObjKey(obj), enc)
	return nil
}

// matchVerbName reuses db.Store's wildcard convention nearly verbatim
// (db/store.go's matchVerbName): a single '*' in pattern marks the boundary
// between a required prefix and an optional suffix, so "get_conj*ugation"
// matches "get_conj", "get_conju", ..., up through "get_conjugation", but
// nothing shorter than the prefix or longer than the full name.
func matchVerbName(pattern, search string) bool {
	pattern = strings.ToLower(pattern)
	search = strings.ToLower(search)
	pattern = strings.TrimPrefix(pattern, ":")

	starPos := strings.Index(pattern, "*")
	if starPos == -1 {
		return pattern == search
	}
	if pattern == "*" {
		return true
	}

	prefix := pattern[:starPos]
	full := pattern[:starPos] + pattern[starPos+1:]

	if !strings.HasPrefix(search, prefix) {
		return false
	}
	return strings.HasPrefix(full, search)
}

// resolvedVerb is ResolveVerb's result: the VerbDef that matched, the
// object that defines it, and its compiled-or-source program bytes.
type resolvedVerb struct {
	Def     VerbDef
	Definer types.ObjID
	Program []byte
}

// ResolveVerb finds a verb matching name on obj or its ancestors,
// generalizing db.Store.FindVerb's search order: exact name, then
// colon-prefixed (method-only) name, then wildcard-aliased name, checked on
// each ancestor in turn before moving further up the chain. The relation
// model's single-inheritance chain makes this a linear walk rather than
// FindVerb's BFS queue.
func (s *State) ResolveVerb(obj types.ObjID, name string, argSpec *db.VerbArgs) (*resolvedVerb, error) {
	chain, err := s.ancestorChain(obj)
	if err != nil {
		return nil, err
	}

	for _, ancestor := range chain {
		defs, err := s.verbDefsOf(ancestor)
		if err != nil {
			return nil, err
		}
		if def, ok := matchVerbDef(defs, name, argSpec); ok {
			raw, found, err := s.txn.Read(store.RelationVerbProgram, store.ObjUUIDKey(ancestor, def.UUID))
			if err != nil {
				return nil, err
			}
			if !found {
				raw = nil
			}
			return &resolvedVerb{Def: def, Definer: ancestor, Program: raw}, nil
		}
	}
	return nil, errVerbnf("no verb named %q on #%d or its ancestors", name, obj)
}

func matchVerbDef(defs []VerbDef, name string, argSpec *db.VerbArgs) (VerbDef, bool) {
	for _, d := range defs {
		for _, alias := range d.Names {
			if (alias == name || ":"+alias == name) && argSpecMatches(d.ArgSpec, argSpec) {
				return d, true
			}
		}
	}
	for _, d := range defs {
		for _, alias := range d.Names {
			if matchVerbName(alias, name) && argSpecMatches(d.ArgSpec, argSpec) {
				return d, true
			}
		}
	}
	return VerbDef{}, false
}

// argSpecMatches applies the "any" wildcard standard to a verb's declared
// this/prep/that spec against a caller-supplied filter. nil (no filter)
// always matches, and a declared field of "any" matches every requested
// value — the same rule eval/properties.go's verb-calling machinery
// assumes when it stores "any" for wildcard argument positions.
func argSpecMatches(declared db.VerbArgs, want *db.VerbArgs) bool {
	if want == nil {
		return true
	}
	return fieldMatches(declared.This, want.This) &&
		fieldMatches(declared.Prep, want.Prep) &&
		fieldMatches(declared.That, want.That)
}

func fieldMatches(declared, want string) bool {
	if declared == "any" || want == "any" || want == "" {
		return true
	}
	return declared == want
}

// DefineVerb adds a new verb to obj with the given names/owner/perms/
// argspec and initial source code.
func (s *State) DefineVerb(obj types.ObjID, names []string, owner types.ObjID, perms db.VerbPerms, argSpec db.VerbArgs, code []string) (uuid.UUID, error) {
	if len(names) == 0 {
		return uuid.UUID{}, errInvarg("a verb must have at least one name")
	}
	defs, err := s.verbDefsOf(obj)
	if err != nil {
		return uuid.UUID{}, err
	}
	verbUUID := store.NewVerbUUID(obj, names[0])
	defs = append(defs, VerbDef{UUID: verbUUID, Names: names, Owner: owner, Perms: perms, ArgSpec: argSpec})
	if err := s.writeVerbDefs(obj, defs); err != nil {
		return uuid.UUID{}, err
	}
	s.txn.Write(store.RelationVerbProgram, store.ObjUUIDKey(obj, verbUUID), []byte(strings.Join(code, "\n")))
	return verbUUID, nil
}

// DeleteVerb removes a verb obj itself defines, by its primary name.
func (s *State) DeleteVerb(obj types.ObjID, name string) error {
	defs, err := s.verbDefsOf(obj)
	if err != nil {
		return err
	}
	idx := -1
	var target VerbDef
	for i, d := range defs {
		if len(d.Names) > 0 && d.Names[0] == name {
			idx, target = i, d
			break
		}
	}
	if idx < 0 {
		return errVerbnf("#%d does not itself define a verb named %q", obj, name)
	}
	remaining := append(defs[:idx:idx], defs[idx+1:]...)
	if err := s.writeVerbDefs(obj, remaining); err != nil {
		return err
	}
	s.txn.Delete(store.RelationVerbProgram, store.ObjUUIDKey(obj, target.UUID))
	return nil
}

// UpdateVerbProgram replaces the source code of a verb obj itself defines.
func (s *State) UpdateVerbProgram(obj types.ObjID, name string, code []string) error {
	defs, err := s.verbDefsOf(obj)
	if err != nil {
		return err
	}
	for _, d := range defs {
		if len(d.Names) > 0 && d.Names[0] == name {
			s.txn.Write(store.RelationVerbProgram, store.ObjUUIDKey(obj, d.UUID), []byte(strings.Join(code, "\n")))
			return nil
		}
	}
	return errVerbnf("#%d does not itself define a verb named %q", obj, name)
}

// UpdateVerbMetadata rewrites a locally-defined verb's names/owner/perms/
// argspec in place, keeping its uuid (and therefore its program row).
func (s *State) UpdateVerbMetadata(obj types.ObjID, currentName string, names []string, owner types.ObjID, perms db.VerbPerms, argSpec db.VerbArgs) error {
	defs, err := s.verbDefsOf(obj)
	if err != nil {
		return err
	}
	for i, d := range defs {
		if len(d.Names) > 0 && d.Names[0] == currentName {
			defs[i] = VerbDef{UUID: d.UUID, Names: names, Owner: owner, Perms: perms, ArgSpec: argSpec}
			return s.writeVerbDefs(obj, defs)
		}
	}
	return errVerbnf("#%d does not itself define a verb named %q", obj, currentName)
}
