package types

// ErrValue represents a MOO error value: a code plus an optional
// user-supplied message and payload value, as produced by raise() and by
// user-defined error symbols.
type ErrValue struct {
	code    ErrorCode
	sym     string // symbolic name for a user-defined error code (E_NONE..E_EXEC have none)
	msg     string
	hasMsg  bool
	payload Value
}

// NewErr creates a new error value with no message or payload.
func NewErr(code ErrorCode) ErrValue {
	return ErrValue{code: code}
}

// NewErrWithMsg attaches a custom message, as raise(code, msg) does.
func NewErrWithMsg(code ErrorCode, msg string) ErrValue {
	return ErrValue{code: code, msg: msg, hasMsg: true}
}

// NewErrFull attaches both a message and an arbitrary payload value, as
// raise(code, msg, value) does.
func NewErrFull(code ErrorCode, msg string, payload Value) ErrValue {
	return ErrValue{code: code, msg: msg, hasMsg: true, payload: payload}
}

// NewUserErr creates a user-defined error carrying a symbolic name (e.g.
// E_MYCUSTOM) in addition to the generic extension error code.
func NewUserErr(code ErrorCode, sym string) ErrValue {
	return ErrValue{code: code, sym: sym}
}

// String returns the MOO string representation
func (e ErrValue) String() string {
	if e.sym != "" {
		return e.sym
	}
	return e.code.String()
}

// Type returns the MOO type
func (e ErrValue) Type() TypeCode {
	return TYPE_ERR
}

// Truthy returns whether the value is truthy
// All errors are truthy
func (e ErrValue) Truthy() bool {
	return true
}

// Equal compares two values for equality. Errors compare by code alone —
// attached messages/payloads are metadata, not part of the value's identity,
// matching LambdaMOO's `E_FOO == E_FOO` regardless of raise() message text.
func (e ErrValue) Equal(other Value) bool {
	if o, ok := other.(ErrValue); ok {
		return e.code == o.code && e.sym == o.sym
	}
	return false
}

// Code returns the error code
func (e ErrValue) Code() ErrorCode {
	return e.code
}

// Message returns the attached message, if any, and whether one was set.
func (e ErrValue) Message() (string, bool) {
	return e.msg, e.hasMsg
}

// Payload returns the attached value, if any.
func (e ErrValue) Payload() (Value, bool) {
	return e.payload, e.payload != nil
}

// Symbol returns the user-defined error's symbolic name, if any.
func (e ErrValue) Symbol() (string, bool) {
	return e.sym, e.sym != ""
}
