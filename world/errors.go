package world

import (
	"fmt"

	"moor/types"
)

// MooError wraps an ErrorCode as a Go error, the same convention vm.MooError
// uses — a world.State method fails with one of these exactly when the
// corresponding MOO builtin would raise that error code.
type MooError struct {
	Code    types.ErrorCode
	Context string
}

func (e *MooError) Error() string {
	if e.Context == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Context)
}

func errInvarg(format string, args ...any) error {
	return &MooError{Code: types.E_INVARG, Context: fmt.Sprintf(format, args...)}
}

func errQuota(format string, args ...any) error {
	return &MooError{Code: types.E_QUOTA, Context: fmt.Sprintf(format, args...)}
}

func errRecmove(format string, args ...any) error {
	return &MooError{Code: types.E_RECMOVE, Context: fmt.Sprintf(format, args...)}
}

func errPropnf(format string, args ...any) error {
	return &MooError{Code: types.E_PROPNF, Context: fmt.Sprintf(format, args...)}
}

func errVerbnf(format string, args ...any) error {
	return &MooError{Code: types.E_VERBNF, Context: fmt.Sprintf(format, args...)}
}

func errPerm(format string, args ...any) error {
	return &MooError{Code: types.E_PERM, Context: fmt.Sprintf(format, args...)}
}
