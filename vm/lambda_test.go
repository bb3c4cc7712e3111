package vm

import (
	"moor/parser"
	"moor/types"
	"testing"
)

// compileAndRun parses, compiles, and runs a small program, returning its
// final Result. Follows the same compile/run shape as the fork tests.
func compileAndRun(t *testing.T, source string) types.Result {
	t.Helper()

	p := parser.NewParser(source)
	stmts, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	registry := newTestRegistry()
	c := NewCompilerWithRegistry(registry)
	prog, err := c.CompileStatements(stmts)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}

	machine := NewVM(nil, registry)
	machine.Context = types.NewTaskContext()
	return machine.Run(prog)
}

func TestLambdaCallReturnsComputedValue(t *testing.T) {
	result := compileAndRun(t, `
		add = {x, y} => x + y;
		return add(3, 4);
	`)

	if result.IsError() {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if !result.IsReturn() {
		t.Fatalf("expected FlowReturn, got %v", result.Flow)
	}
	iv, ok := result.Val.(types.IntValue)
	if !ok {
		t.Fatalf("expected IntValue, got %T", result.Val)
	}
	if iv.Val != 7 {
		t.Errorf("expected 7, got %d", iv.Val)
	}
}

func TestLambdaCapturesEnclosingLocal(t *testing.T) {
	result := compileAndRun(t, `
		base = 10;
		addBase = {n} => n + base;
		base = 999;
		return addBase(1);
	`)

	if result.IsError() {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	iv, ok := result.Val.(types.IntValue)
	if !ok {
		t.Fatalf("expected IntValue, got %T", result.Val)
	}
	if iv.Val != 11 {
		t.Errorf("expected capture snapshot of base=10 at lambda creation, got %d", iv.Val)
	}
}

func TestLambdaOptionalAndRestParams(t *testing.T) {
	result := compileAndRun(t, `
		f = {a, ?b, @rest} => a + length(rest);
		return f(1, 2, 3, 4);
	`)

	if result.IsError() {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	iv, ok := result.Val.(types.IntValue)
	if !ok {
		t.Fatalf("expected IntValue, got %T", result.Val)
	}
	if iv.Val != 3 {
		t.Errorf("expected 1 + len([3,4])=3, got %d", iv.Val)
	}
}

func TestLambdaCallThroughParenExpr(t *testing.T) {
	result := compileAndRun(t, `
		fns = {{x} => x * 2};
		return (fns[1])(21);
	`)

	if result.IsError() {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	iv, ok := result.Val.(types.IntValue)
	if !ok {
		t.Fatalf("expected IntValue, got %T", result.Val)
	}
	if iv.Val != 42 {
		t.Errorf("expected 42, got %d", iv.Val)
	}
}
