package types

import "encoding/base64"

// BinaryValue is an immutable byte buffer, MOO's TYPE_BINARY. Literal
// representation follows ToastStunt's base64-ish "~"-escaped form is not
// attempted here; we round-trip through base64 for to_literal()/value_bytes().
type BinaryValue struct {
	data []byte
}

// NewBinary copies b so the resulting value is immutable.
func NewBinary(b []byte) BinaryValue {
	cp := make([]byte, len(b))
	copy(cp, b)
	return BinaryValue{data: cp}
}

func (b BinaryValue) Type() TypeCode {
	return TYPE_BINARY
}

func (b BinaryValue) String() string {
	return "b\"" + base64.StdEncoding.EncodeToString(b.data) + "\""
}

func (b BinaryValue) Equal(other Value) bool {
	o, ok := other.(BinaryValue)
	if !ok || len(o.data) != len(b.data) {
		return false
	}
	for i := range b.data {
		if b.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

func (b BinaryValue) Truthy() bool {
	return len(b.data) > 0
}

// Bytes returns a defensive copy of the underlying buffer.
func (b BinaryValue) Bytes() []byte {
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp
}

func (b BinaryValue) Len() int {
	return len(b.data)
}
