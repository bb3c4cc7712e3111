package rpc

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"moor/store"
	"moor/types"
)

// envelopeVersion is bumped whenever the wire envelope's shape changes.
const envelopeVersion = 1

// requestEnvelope is what the scheduler sends a worker over the ROUTER
// socket: the task asking for work, what kind of worker handles it, whose
// permissions it runs under, and the opaque payload value.
type requestEnvelope struct {
	TaskID  int64
	Kind    string
	Perms   types.ObjID
	Payload types.Value
}

// replyEnvelope is what a worker sends back: either a result value or an
// error message, keyed by the same TaskID the request carried.
type replyEnvelope struct {
	TaskID int64
	OK     bool
	Value  types.Value
	Err    string
}

// MarshalMsg implements msgp.Marshaler by hand, in the same style as
// vm/wire.go's Program encoding: reuse store.EncodeValue for the Value
// sum type rather than teaching msgp about MOO values directly.
func (r *requestEnvelope) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 5)
	o = msgp.AppendInt(o, envelopeVersion)
	o = msgp.AppendInt64(o, r.TaskID)
	o = msgp.AppendString(o, r.Kind)
	o = msgp.AppendInt64(o, int64(r.Perms))
	enc, err := store.EncodeValue(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode request payload: %w", err)
	}
	o = msgp.AppendBytes(o, enc)
	return o, nil
}

func (r *requestEnvelope) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil || sz != 5 {
		return nil, fmt.Errorf("read request envelope header: %w", err)
	}
	version, o, err := msgp.ReadIntBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read envelope version: %w", err)
	}
	if version > envelopeVersion {
		return nil, fmt.Errorf("request envelope version %d newer than supported %d", version, envelopeVersion)
	}
	r.TaskID, o, err = msgp.ReadInt64Bytes(o)
	if err != nil {
		return nil, fmt.Errorf("read task id: %w", err)
	}
	r.Kind, o, err = msgp.ReadStringBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read kind: %w", err)
	}
	var perms int64
	perms, o, err = msgp.ReadInt64Bytes(o)
	if err != nil {
		return nil, fmt.Errorf("read perms: %w", err)
	}
	r.Perms = types.ObjID(perms)
	var raw []byte
	raw, o, err = msgp.ReadBytesBytes(o, nil)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	r.Payload, err = store.DecodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return o, nil
}

func (r *replyEnvelope) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 5)
	o = msgp.AppendInt(o, envelopeVersion)
	o = msgp.AppendInt64(o, r.TaskID)
	o = msgp.AppendBool(o, r.OK)
	var enc []byte
	var err error
	if r.Value != nil {
		enc, err = store.EncodeValue(r.Value)
		if err != nil {
			return nil, fmt.Errorf("encode reply value: %w", err)
		}
	}
	o = msgp.AppendBytes(o, enc)
	o = msgp.AppendString(o, r.Err)
	return o, nil
}

func (r *replyEnvelope) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil || sz != 5 {
		return nil, fmt.Errorf("read reply envelope header: %w", err)
	}
	version, o, err := msgp.ReadIntBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read envelope version: %w", err)
	}
	if version > envelopeVersion {
		return nil, fmt.Errorf("reply envelope version %d newer than supported %d", version, envelopeVersion)
	}
	r.TaskID, o, err = msgp.ReadInt64Bytes(o)
	if err != nil {
		return nil, fmt.Errorf("read task id: %w", err)
	}
	r.OK, o, err = msgp.ReadBoolBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read ok: %w", err)
	}
	var raw []byte
	raw, o, err = msgp.ReadBytesBytes(o, nil)
	if err != nil {
		return nil, fmt.Errorf("read value: %w", err)
	}
	if len(raw) > 0 {
		r.Value, err = store.DecodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	r.Err, o, err = msgp.ReadStringBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read err: %w", err)
	}
	return o, nil
}
