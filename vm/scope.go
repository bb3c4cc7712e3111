package vm

import "moor/types"

// ScopeKind discriminates the entries ScopeStack merges together: loops,
// catch handlers, finally handlers, and lambda-capture boundaries each
// unwind differently at runtime (hence the separate LoopStack/ExceptStack
// push/pop paths in vm.go/operations.go), but a task's serialized VM state
// only needs one ordered view of "what's currently open in this frame" —
// this is that view.
type ScopeKind int

const (
	ScopeLoop ScopeKind = iota
	ScopeCatch
	ScopeFinally
	ScopeLambda
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeLoop:
		return "loop"
	case ScopeCatch:
		return "catch"
	case ScopeFinally:
		return "finally"
	case ScopeLambda:
		return "lambda"
	default:
		return "unknown"
	}
}

// ScopeEntry is one open scope in a frame, in the order it was entered.
// Label/HandlerIP/EndIP/Codes/VarIndex are populated from whichever of
// LoopState/Handler produced the entry and are zero-valued for kinds
// that don't use them.
type ScopeEntry struct {
	Kind      ScopeKind
	Label     string
	HandlerIP int
	EndIP     int
	Codes     []types.ErrorCode
	VarIndex  int
}

// ScopeStack returns f's LoopStack and ExceptStack merged into entry order.
// Handler.Type distinguishes a catch handler from a finally handler;
// f.Program.LambdaArgsVar marks the whole frame (not a particular entry)
// as a lambda-capture boundary, surfaced here as a trailing ScopeLambda
// entry so callers that want "is this frame a lambda body" don't need to
// reach past ScopeStack into f.Program themselves.
//
// This is a read-only projection for serialization (task persistence's
// versioned VM-state record); it does not replace LoopStack/ExceptStack
// as the runtime unwind mechanism, which stay separate because loop and
// exception unwinding pop at different points relative to a raised error
// or a break/continue and gain nothing from sharing one slice.
func (f *StackFrame) ScopeStack() []ScopeEntry {
	entries := make([]ScopeEntry, 0, len(f.LoopStack)+len(f.ExceptStack)+1)
	for _, l := range f.LoopStack {
		entries = append(entries, ScopeEntry{
			Kind:  ScopeLoop,
			Label: l.Label,
		})
	}
	for _, h := range f.ExceptStack {
		kind := ScopeCatch
		if h.Type == HandlerFinally {
			kind = ScopeFinally
		}
		entries = append(entries, ScopeEntry{
			Kind:      kind,
			HandlerIP: h.HandlerIP,
			EndIP:     h.EndIP,
			Codes:     h.Codes,
			VarIndex:  h.VarIndex,
		})
	}
	if f.Program != nil && f.Program.LambdaArgsVar >= 0 {
		entries = append(entries, ScopeEntry{Kind: ScopeLambda})
	}
	return entries
}
