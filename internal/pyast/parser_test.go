package pyast

import "testing"

const sampleSource = `import pytest


@fixture
def db():
    yield "connection"


@fixture(scope="module", autouse=True)
def setup_logging():
    pass


@pytest.mark.parametrize("x,y", [(1, 2), (3, 4)])
@pytest.mark.skip(reason="flaky")
def test_add(x, y, db):
    assert x + y > 0


def test_plain():
    pass
`

func TestParseExtractsFunctionsAndDecorators(t *testing.T) {
	p := NewParser()
	f, err := p.Parse([]byte(sampleSource))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Funcs) != 4 {
		t.Fatalf("got %d funcs, want 4", len(f.Funcs))
	}

	db := f.Funcs[0]
	if db.Name != "db" {
		t.Fatalf("funcs[0].Name = %q, want db", db.Name)
	}
	if !db.HasYield {
		t.Error("db fixture should be detected as a generator (HasYield)")
	}
	if len(db.Decorators) != 1 || db.Decorators[0].DottedName != "fixture" {
		t.Fatalf("db decorators = %+v", db.Decorators)
	}

	setup := f.Funcs[1]
	if len(setup.Decorators) != 1 {
		t.Fatalf("setup_logging decorators = %+v", setup.Decorators)
	}
	dec := setup.Decorators[0]
	if dec.DottedName != "fixture" {
		t.Fatalf("dotted name = %q", dec.DottedName)
	}
	var gotScope, gotAutouse bool
	for _, a := range dec.Args {
		switch a.Name {
		case "scope":
			if a.Value.Kind != KindString || a.Value.Str != "module" {
				t.Errorf("scope arg = %+v", a.Value)
			}
			gotScope = true
		case "autouse":
			if a.Value.Kind != KindBool || !a.Value.Bool {
				t.Errorf("autouse arg = %+v", a.Value)
			}
			gotAutouse = true
		}
	}
	if !gotScope || !gotAutouse {
		t.Errorf("missing expected keyword args: scope=%v autouse=%v", gotScope, gotAutouse)
	}

	testAdd := f.Funcs[2]
	if testAdd.Name != "test_add" {
		t.Fatalf("funcs[2].Name = %q, want test_add", testAdd.Name)
	}
	if len(testAdd.Params) != 3 || testAdd.Params[0].Name != "x" || testAdd.Params[2].Name != "db" {
		t.Fatalf("test_add params = %+v", testAdd.Params)
	}
	if len(testAdd.Decorators) != 2 {
		t.Fatalf("test_add decorators = %+v", testAdd.Decorators)
	}

	parametrize := testAdd.Decorators[0]
	if parametrize.DottedName != "pytest.mark.parametrize" {
		t.Fatalf("dotted name = %q", parametrize.DottedName)
	}
	if len(parametrize.Args) != 2 {
		t.Fatalf("parametrize args = %+v", parametrize.Args)
	}
	if parametrize.Args[0].Value.Kind != KindString || parametrize.Args[0].Value.Str != "x,y" {
		t.Fatalf("argnames = %+v", parametrize.Args[0].Value)
	}
	rows := parametrize.Args[1].Value
	if rows.Kind != KindList || len(rows.List) != 2 {
		t.Fatalf("argvalues = %+v", rows)
	}
	firstRow := rows.List[0]
	if firstRow.Kind != KindTuple || len(firstRow.List) != 2 {
		t.Fatalf("first row = %+v", firstRow)
	}
	if firstRow.List[0].Kind != KindInt || firstRow.List[0].Int != 1 {
		t.Fatalf("first row[0] = %+v", firstRow.List[0])
	}

	skip := testAdd.Decorators[1]
	if skip.DottedName != "pytest.mark.skip" {
		t.Fatalf("dotted name = %q", skip.DottedName)
	}
	if len(skip.Args) != 1 || skip.Args[0].Name != "reason" || skip.Args[0].Value.Str != "flaky" {
		t.Fatalf("skip args = %+v", skip.Args)
	}

	plain := f.Funcs[3]
	if plain.Name != "test_plain" || len(plain.Decorators) != 0 {
		t.Fatalf("test_plain = %+v", plain)
	}

	if len(f.Imports) != 1 {
		t.Fatalf("imports = %+v", f.Imports)
	}
}

func TestParseDoesNotDescendIntoNestedYield(t *testing.T) {
	src := `
def outer():
    def inner():
        yield 1
    return inner
`
	p := NewParser()
	f, err := p.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Funcs) != 1 {
		t.Fatalf("got %d top-level funcs, want 1", len(f.Funcs))
	}
	if f.Funcs[0].HasYield {
		t.Error("outer() should not be flagged HasYield: its yield belongs to a nested def")
	}
}

func TestValueRepr(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Value{Kind: KindString, Str: "a'b"}, `"a'b"`},
		{Value{Kind: KindInt, Int: 42}, "42"},
		{Value{Kind: KindBool, Bool: true}, "True"},
		{Value{Kind: KindBool, Bool: false}, "False"},
		{Value{Kind: KindNone}, "None"},
		{Value{Kind: KindList, List: []Value{{Kind: KindInt, Int: 1}, {Kind: KindInt, Int: 2}}}, "[1, 2]"},
		{Value{Kind: KindUnknown, Source: "some_call()"}, "some_call()"},
	}
	for _, c := range cases {
		if got := c.v.Repr(); got != c.want {
			t.Errorf("Repr() = %q, want %q", got, c.want)
		}
	}
}

func TestValueIsLiteral(t *testing.T) {
	if (Value{Kind: KindUnknown}).IsLiteral() {
		t.Error("KindUnknown should not be a literal")
	}
	if !(Value{Kind: KindInt}).IsLiteral() {
		t.Error("KindInt should be a literal")
	}
}

func TestParseCallExpression(t *testing.T) {
	src := "@parametrize(\"x\", [1, param(2, tags=[skip])])\ndef test_rows(x):\n    pass\n"
	p := NewParser()
	f, err := p.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rows := f.Funcs[0].Decorators[0].Args[1].Value
	if len(rows.List) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	call := rows.List[1]
	if call.Kind != KindCall || call.CallName != "param" {
		t.Fatalf("second row = %+v, want a param(...) call", call)
	}
	if len(call.CallArgs) != 2 {
		t.Fatalf("call args = %+v", call.CallArgs)
	}
	if call.CallArgs[0].Name != "" || call.CallArgs[0].Value.Kind != KindInt || call.CallArgs[0].Value.Int != 2 {
		t.Fatalf("positional arg = %+v", call.CallArgs[0])
	}
	tagsArg := call.CallArgs[1]
	if tagsArg.Name != "tags" || tagsArg.Value.Kind != KindList {
		t.Fatalf("tags arg = %+v", tagsArg)
	}
	if call.IsLiteral() {
		t.Error("a call expression should not be reported as a literal")
	}
}

func TestParseNegativeNumber(t *testing.T) {
	src := "@parametrize(\"x\", [-1, 2])\ndef test_neg(x):\n    pass\n"
	p := NewParser()
	f, err := p.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dec := f.Funcs[0].Decorators[0]
	rows := dec.Args[1].Value
	if rows.List[0].Kind != KindInt || rows.List[0].Int != -1 {
		t.Fatalf("first row = %+v, want -1", rows.List[0])
	}
}
