package vm

import (
	"testing"

	"moor/types"
)

func TestScopeStackMergesLoopsAndHandlers(t *testing.T) {
	f := &StackFrame{
		Program: &Program{LambdaArgsVar: -1},
		LoopStack: []LoopState{
			{Type: LoopRange, Label: "outer"},
			{Type: LoopList, Label: ""},
		},
		ExceptStack: []Handler{
			{Type: HandlerExcept, HandlerIP: 10, EndIP: 20, Codes: []types.ErrorCode{types.E_INVARG}, VarIndex: 2},
			{Type: HandlerFinally, HandlerIP: 30, EndIP: 40},
		},
	}

	got := f.ScopeStack()
	want := []ScopeKind{ScopeLoop, ScopeLoop, ScopeCatch, ScopeFinally}
	if len(got) != len(want) {
		t.Fatalf("ScopeStack() returned %d entries, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("entry %d: kind = %v, want %v", i, got[i].Kind, k)
		}
	}
	if got[0].Label != "outer" {
		t.Errorf("entry 0: label = %q, want %q", got[0].Label, "outer")
	}
	if got[2].HandlerIP != 10 || got[2].VarIndex != 2 {
		t.Errorf("entry 2: got %+v, want HandlerIP=10 VarIndex=2", got[2])
	}
}

func TestScopeStackTrailingLambdaEntry(t *testing.T) {
	f := &StackFrame{Program: &Program{LambdaArgsVar: 0}}
	got := f.ScopeStack()
	if len(got) != 1 || got[0].Kind != ScopeLambda {
		t.Fatalf("expected a single ScopeLambda entry for a lambda frame, got %+v", got)
	}

	nonLambda := &StackFrame{Program: &Program{LambdaArgsVar: -1}}
	if got := nonLambda.ScopeStack(); len(got) != 0 {
		t.Fatalf("expected no entries for a non-lambda, empty frame, got %+v", got)
	}
}
