package vm

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"moor/store"
	"moor/types"
)

// wireVersion is bumped whenever Program's wire encoding changes shape.
// MarshalMsg always writes the current version; UnmarshalMsg rejects
// anything newer than it understands.
const wireVersion = 1

// MarshalMsg implements msgp.Marshaler by hand: Program's fields don't
// suit `go generate`'s struct-tag model well (ForkVectors is recursive,
// Constants holds the types.Value sum type store/encode.go already knows
// how to flatten), so this appends directly with the msgp runtime's
// Append* helpers rather than generating code.
//
// Wire shape: [version, code, constants, varNames, lineInfo, numLocals,
// source, forkVectors, lambdaArgsVar].
func (p *Program) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 9)
	o = msgp.AppendInt(o, wireVersion)
	o = msgp.AppendBytes(o, p.Code)

	o = msgp.AppendArrayHeader(o, uint32(len(p.Constants)))
	for _, c := range p.Constants {
		enc, err := store.EncodeValue(c)
		if err != nil {
			return nil, fmt.Errorf("marshal constant: %w", err)
		}
		o = msgp.AppendBytes(o, enc)
	}

	o = msgp.AppendArrayHeader(o, uint32(len(p.VarNames)))
	for _, n := range p.VarNames {
		o = msgp.AppendString(o, n)
	}

	o = msgp.AppendArrayHeader(o, uint32(len(p.LineInfo)))
	for _, le := range p.LineInfo {
		o = msgp.AppendArrayHeader(o, 2)
		o = msgp.AppendInt(o, le.StartIP)
		o = msgp.AppendInt(o, le.Line)
	}

	o = msgp.AppendInt(o, p.NumLocals)

	o = msgp.AppendArrayHeader(o, uint32(len(p.Source)))
	for _, s := range p.Source {
		o = msgp.AppendString(o, s)
	}

	o = msgp.AppendArrayHeader(o, uint32(len(p.ForkVectors)))
	for _, fv := range p.ForkVectors {
		sub, err := fv.MarshalMsg(nil)
		if err != nil {
			return nil, fmt.Errorf("marshal fork vector: %w", err)
		}
		o = msgp.AppendBytes(o, sub)
	}

	o = msgp.AppendInt(o, p.LambdaArgsVar)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler, the inverse of MarshalMsg.
func (p *Program) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, fmt.Errorf("read program header: %w", err)
	}
	if sz != 9 {
		return nil, fmt.Errorf("program wire array has %d elements, want 9", sz)
	}

	version, o, err := msgp.ReadIntBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read wire version: %w", err)
	}
	if version > wireVersion {
		return nil, fmt.Errorf("program wire version %d newer than supported %d", version, wireVersion)
	}

	p.Code, o, err = msgp.ReadBytesBytes(o, nil)
	if err != nil {
		return nil, fmt.Errorf("read code: %w", err)
	}

	constCount, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read constants header: %w", err)
	}
	p.Constants = make([]types.Value, 0, constCount)
	for i := uint32(0); i < constCount; i++ {
		var raw []byte
		raw, o, err = msgp.ReadBytesBytes(o, nil)
		if err != nil {
			return nil, fmt.Errorf("read constant %d: %w", i, err)
		}
		v, decErr := store.DecodeValue(raw)
		if decErr != nil {
			return nil, fmt.Errorf("decode constant %d: %w", i, decErr)
		}
		p.Constants = append(p.Constants, v)
	}

	varCount, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read var names header: %w", err)
	}
	if varCount > 0 {
		p.VarNames = make([]string, 0, varCount)
	}
	for i := uint32(0); i < varCount; i++ {
		var n string
		n, o, err = msgp.ReadStringBytes(o)
		if err != nil {
			return nil, fmt.Errorf("read var name %d: %w", i, err)
		}
		p.VarNames = append(p.VarNames, n)
	}

	lineCount, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read line info header: %w", err)
	}
	if lineCount > 0 {
		p.LineInfo = make([]LineEntry, 0, lineCount)
	}
	for i := uint32(0); i < lineCount; i++ {
		var pairSz uint32
		pairSz, o, err = msgp.ReadArrayHeaderBytes(o)
		if err != nil || pairSz != 2 {
			return nil, fmt.Errorf("read line entry %d: %w", i, err)
		}
		var startIP, line int
		startIP, o, err = msgp.ReadIntBytes(o)
		if err != nil {
			return nil, fmt.Errorf("read line entry %d start ip: %w", i, err)
		}
		line, o, err = msgp.ReadIntBytes(o)
		if err != nil {
			return nil, fmt.Errorf("read line entry %d line: %w", i, err)
		}
		p.LineInfo = append(p.LineInfo, LineEntry{StartIP: startIP, Line: line})
	}

	p.NumLocals, o, err = msgp.ReadIntBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read num locals: %w", err)
	}

	srcCount, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read source header: %w", err)
	}
	if srcCount > 0 {
		p.Source = make([]string, 0, srcCount)
	}
	for i := uint32(0); i < srcCount; i++ {
		var s string
		s, o, err = msgp.ReadStringBytes(o)
		if err != nil {
			return nil, fmt.Errorf("read source line %d: %w", i, err)
		}
		p.Source = append(p.Source, s)
	}

	forkCount, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read fork vectors header: %w", err)
	}
	p.ForkVectors = make([]*Program, 0, forkCount)
	for i := uint32(0); i < forkCount; i++ {
		var raw []byte
		raw, o, err = msgp.ReadBytesBytes(o, nil)
		if err != nil {
			return nil, fmt.Errorf("read fork vector %d: %w", i, err)
		}
		sub := &Program{}
		if _, err := sub.UnmarshalMsg(raw); err != nil {
			return nil, fmt.Errorf("unmarshal fork vector %d: %w", i, err)
		}
		p.ForkVectors = append(p.ForkVectors, sub)
	}

	p.LambdaArgsVar, o, err = msgp.ReadIntBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read lambda args var: %w", err)
	}

	return o, nil
}
