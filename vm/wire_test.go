package vm

import (
	"reflect"
	"testing"

	"github.com/tinylib/msgp/msgp"

	"moor/types"
)

func samplePrograms() []*Program {
	leaf := &Program{
		Code:      []byte{0x01, 0x02, 0x03},
		Constants: []types.Value{types.NewInt(42), types.NewStr("leaf")},
		VarNames:  []string{"x"},
		LineInfo: []LineEntry{
			{StartIP: 0, Line: 1},
		},
		NumLocals:     1,
		Source:        []string{"return 42;"},
		ForkVectors:   nil,
		LambdaArgsVar: -1,
	}

	withFork := &Program{
		Code:      []byte{0x10, 0x20},
		Constants: []types.Value{types.NewObj(types.ObjID(7)), types.NewErr(types.E_INVARG)},
		VarNames:  []string{"a", "b", "c"},
		LineInfo: []LineEntry{
			{StartIP: 0, Line: 1},
			{StartIP: 1, Line: 3},
		},
		NumLocals:     3,
		Source:        []string{"fork (0)", "  x = 1;", "endfork"},
		ForkVectors:   []*Program{leaf},
		LambdaArgsVar: -1,
	}

	empty := &Program{
		Code:          nil,
		Constants:     nil,
		VarNames:      nil,
		LineInfo:      nil,
		NumLocals:     0,
		Source:        nil,
		ForkVectors:   nil,
		LambdaArgsVar: -1,
	}

	lambda := &Program{
		Code:          []byte{0xFF},
		Constants:     []types.Value{types.NewInt(-1)},
		VarNames:      []string{"args"},
		NumLocals:     1,
		LambdaArgsVar: 0,
	}

	return []*Program{leaf, withFork, empty, lambda}
}

func TestProgramWireRoundTrip(t *testing.T) {
	for i, p := range samplePrograms() {
		b, err := p.MarshalMsg(nil)
		if err != nil {
			t.Fatalf("program %d: MarshalMsg: %v", i, err)
		}

		got := &Program{}
		rest, err := got.UnmarshalMsg(b)
		if err != nil {
			t.Fatalf("program %d: UnmarshalMsg: %v", i, err)
		}
		if len(rest) != 0 {
			t.Errorf("program %d: %d trailing bytes after unmarshal", i, len(rest))
		}

		if !programsEqual(p, got) {
			t.Errorf("program %d: round trip mismatch\n got  %#v\n want %#v", i, got, p)
		}
	}
}

func TestProgramWireRejectsFutureVersion(t *testing.T) {
	// Build a minimal 9-element array by hand with a version past what
	// this build's wireVersion understands; the remaining 8 elements
	// never get read since UnmarshalMsg must bail out on the version
	// check first.
	o := msgp.AppendArrayHeader(nil, 9)
	o = msgp.AppendInt(o, wireVersion+1)

	if _, err := (&Program{}).UnmarshalMsg(o); err == nil {
		t.Fatal("expected UnmarshalMsg to reject a future wire version")
	}
}

func programsEqual(a, b *Program) bool {
	if !reflect.DeepEqual(a.Code, b.Code) {
		return false
	}
	if len(a.Constants) != len(b.Constants) {
		return false
	}
	for i := range a.Constants {
		if a.Constants[i].String() != b.Constants[i].String() {
			return false
		}
	}
	if !reflect.DeepEqual(a.VarNames, b.VarNames) {
		return false
	}
	if !reflect.DeepEqual(a.LineInfo, b.LineInfo) {
		return false
	}
	if a.NumLocals != b.NumLocals {
		return false
	}
	if !reflect.DeepEqual(a.Source, b.Source) {
		return false
	}
	if a.LambdaArgsVar != b.LambdaArgsVar {
		return false
	}
	if len(a.ForkVectors) != len(b.ForkVectors) {
		return false
	}
	for i := range a.ForkVectors {
		if !programsEqual(a.ForkVectors[i], b.ForkVectors[i]) {
			return false
		}
	}
	return true
}
