package parser

import "testing"

func TestParseLambdaLiteral(t *testing.T) {
	p := NewParser("{x, y} => x + y")
	expr, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	lambda, ok := expr.(*LambdaExpr)
	if !ok {
		t.Fatalf("expected LambdaExpr, got %T", expr)
	}
	if len(lambda.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(lambda.Params))
	}
	if lambda.Params[0].Name != "x" || lambda.Params[1].Name != "y" {
		t.Errorf("unexpected param names: %+v", lambda.Params)
	}
	if _, ok := lambda.Body.(*BinaryExpr); !ok {
		t.Errorf("expected BinaryExpr body, got %T", lambda.Body)
	}
}

func TestParseLambdaParamShapes(t *testing.T) {
	p := NewParser("{a, ?b, @rest} => a")
	expr, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	lambda, ok := expr.(*LambdaExpr)
	if !ok {
		t.Fatalf("expected LambdaExpr, got %T", expr)
	}
	if len(lambda.Params) != 3 {
		t.Fatalf("expected 3 params, got %d", len(lambda.Params))
	}
	if lambda.Params[0].Optional || lambda.Params[0].Rest {
		t.Errorf("expected 'a' to be a plain required param, got %+v", lambda.Params[0])
	}
	if !lambda.Params[1].Optional {
		t.Errorf("expected 'b' to be optional, got %+v", lambda.Params[1])
	}
	if !lambda.Params[2].Rest {
		t.Errorf("expected 'rest' to be a rest param, got %+v", lambda.Params[2])
	}
}

func TestParseEmptyListNotMistakenForLambda(t *testing.T) {
	p := NewParser("{1, 2, 3}")
	expr, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if _, ok := expr.(*ListExpr); !ok {
		t.Fatalf("expected ListExpr when no '=>' follows, got %T", expr)
	}
}

func TestParseLambdaCall(t *testing.T) {
	p := NewParser("(f)(1, 2)")
	expr, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	call, ok := expr.(*LambdaCallExpr)
	if !ok {
		t.Fatalf("expected LambdaCallExpr, got %T", expr)
	}
	if len(call.Args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(call.Args))
	}
	if _, ok := call.Callee.(*ParenExpr); !ok {
		t.Errorf("expected callee to be a ParenExpr wrapping the identifier, got %T", call.Callee)
	}
}

func TestUnparseLambda(t *testing.T) {
	p := NewParser("{x, ?y} => x + y")
	expr, err := p.ParseExpression(PREC_LOWEST)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	got := unparseExpr(expr, precedenceLowest)
	want := "{x, ?y} => x + y"
	if got != want {
		t.Errorf("unparse mismatch: got %q, want %q", got, want)
	}
}
