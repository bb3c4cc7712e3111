package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"moor/types"
)

// Codomain encoding for relation values. There is no third-party library in
// the corpus aimed at generic MOO-value serialization — msgp (§3 of
// SPEC_FULL.md) is reserved for Program's wire form and RPC envelopes — so
// this follows db/writer.go's own habit of a compact,
// hand-rolled binary format rather than reaching for a generic encoder like
// encoding/gob (which would require exporting every types.Value field and
// doesn't handle the Value interface's sum-type shape well anyway).
//
// Tag byte, then payload. Recursive for ListValue/MapValue.

const (
	tagInt byte = iota
	tagFloat
	tagStr
	tagObj
	tagAnonObj
	tagErr
	tagBool
	tagList
	tagMap
	tagBinary
)

// EncodeValue serializes a types.Value to bytes for storage as a relation's
// codomain. Only the variants that appear as property values, sequence
// counters, or bulk-load input need to round-trip here — lambdas and
// flyweights are runtime-only values that never persist directly (a
// flyweight's slot values do, recursively, since they're ordinary Values).
func EncodeValue(v types.Value) ([]byte, error) {
	switch val := v.(type) {
	case types.IntValue:
		b := make([]byte, 9)
		b[0] = tagInt
		binary.BigEndian.PutUint64(b[1:], uint64(val.Val))
		return b, nil
	case types.FloatValue:
		b := make([]byte, 9)
		b[0] = tagFloat
		binary.BigEndian.PutUint64(b[1:], math.Float64bits(val.Val))
		return b, nil
	case types.StrValue:
		s := val.Value()
		b := make([]byte, 1+len(s))
		b[0] = tagStr
		copy(b[1:], s)
		return b, nil
	case types.ObjValue:
		tag := tagObj
		if val.IsAnonymous() {
			tag = tagAnonObj
		}
		b := make([]byte, 9)
		b[0] = tag
		binary.BigEndian.PutUint64(b[1:], uint64(val.ID()))
		return b, nil
	case types.ErrValue:
		b := make([]byte, 5)
		b[0] = tagErr
		binary.BigEndian.PutUint32(b[1:], uint32(val.Code()))
		return b, nil
	case types.BoolValue:
		b := []byte{tagBool, 0}
		if val.Truthy() {
			b[1] = 1
		}
		return b, nil
	case types.BinaryValue:
		raw := val.Bytes()
		b := make([]byte, 1+len(raw))
		b[0] = tagBinary
		copy(b[1:], raw)
		return b, nil
	case types.ListValue:
		return encodeSeq(tagList, val.Elements())
	case types.MapValue:
		flat := make([]types.Value, 0, len(val.Pairs())*2)
		for _, pair := range val.Pairs() {
			flat = append(flat, pair[0], pair[1])
		}
		return encodeSeq(tagMap, flat)
	default:
		return nil, fmt.Errorf("store: %T has no relation encoding", v)
	}
}

func encodeSeq(tag byte, elems []types.Value) ([]byte, error) {
	out := []byte{tag}
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(elems)))
	out = append(out, countBuf...)
	for _, e := range elems {
		enc, err := EncodeValue(e)
		if err != nil {
			return nil, err
		}
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(enc)))
		out = append(out, lenBuf...)
		out = append(out, enc...)
	}
	return out, nil
}

// DecodeValue is EncodeValue's inverse.
func DecodeValue(b []byte) (types.Value, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("store: empty value")
	}
	switch b[0] {
	case tagInt:
		return types.NewInt(int64(binary.BigEndian.Uint64(b[1:9]))), nil
	case tagFloat:
		return types.NewFloat(math.Float64frombits(binary.BigEndian.Uint64(b[1:9]))), nil
	case tagStr:
		return types.NewStr(string(b[1:])), nil
	case tagObj:
		return types.NewObj(types.ObjID(binary.BigEndian.Uint64(b[1:9]))), nil
	case tagAnonObj:
		return types.NewAnon(types.ObjID(binary.BigEndian.Uint64(b[1:9]))), nil
	case tagErr:
		return types.NewErr(types.ErrorCode(binary.BigEndian.Uint32(b[1:5]))), nil
	case tagBool:
		return types.NewBool(b[1] != 0), nil
	case tagBinary:
		return types.NewBinary(append([]byte{}, b[1:]...)), nil
	case tagList:
		elems, err := decodeSeq(b[1:])
		if err != nil {
			return nil, err
		}
		return types.NewList(elems), nil
	case tagMap:
		flat, err := decodeSeq(b[1:])
		if err != nil {
			return nil, err
		}
		pairs := make([][2]types.Value, 0, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			pairs = append(pairs, [2]types.Value{flat[i], flat[i+1]})
		}
		return types.NewMap(pairs), nil
	default:
		return nil, fmt.Errorf("store: unknown value tag %d", b[0])
	}
}

func decodeSeq(b []byte) ([]types.Value, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("store: truncated sequence header")
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	elems := make([]types.Value, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("store: truncated sequence element header")
		}
		elemLen := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < elemLen {
			return nil, fmt.Errorf("store: truncated sequence element")
		}
		v, err := DecodeValue(b[:elemLen])
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
		b = b[elemLen:]
	}
	return elems, nil
}
