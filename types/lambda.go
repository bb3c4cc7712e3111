package types

// LambdaParam describes one entry in a lambda's parameter shape: a plain
// named parameter, an optional parameter with a default expression handle,
// or a rest ("@name") parameter collecting trailing arguments into a list.
type LambdaParam struct {
	Name       string
	Optional   bool
	Rest       bool
	DefaultPC  int  // program counter of the default-value expression, if Optional
	HasDefault bool
}

// LambdaValue is a closure: a compiled fork-vector body plus the lexical
// environment captured at MAKE_LAMBDA time and the parameter shape the
// scatter-assignment machinery uses when the lambda is called.
//
// Program is held as interface{} (resolved back to *vm.Program by the
// VM via a type assertion) to avoid an import cycle between types and the
// vm package — the same pattern types.TaskContext already uses for
// Task and Store.
type LambdaValue struct {
	Program  interface{}
	Captured map[string]Value
	Params   []LambdaParam
	Self     string // optional name the lambda may call itself by (named lambda)
}

// NewLambda constructs a lambda closing over a snapshot of captured.
// The snapshot is copied so later mutation of the defining scope's
// environment does not leak into the closure (values are immutable, but
// the map itself must not be shared/mutated after capture).
func NewLambda(program interface{}, captured map[string]Value, params []LambdaParam) LambdaValue {
	snap := make(map[string]Value, len(captured))
	for k, v := range captured {
		snap[k] = v
	}
	return LambdaValue{Program: program, Captured: snap, Params: params}
}

func (l LambdaValue) Type() TypeCode {
	return TYPE_LAMBDA
}

func (l LambdaValue) String() string {
	return "fn"
}

// Equal reports whether two lambdas share the same Program handle and
// have equal captured variables (compared with Value.Equal); Params and
// Self are not compared.
func (l LambdaValue) Equal(other Value) bool {
	o, ok := other.(LambdaValue)
	if !ok {
		return false
	}
	return l.Program == o.Program && sameCaptures(l.Captured, o.Captured)
}

func (l LambdaValue) Truthy() bool {
	return false
}

func sameCaptures(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
