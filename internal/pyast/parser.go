// Package pyast extracts the subset of Python source structure the karva
// discoverer needs: top-level function definitions, their decorators and
// parameters, and the literal arguments passed to recognized decorators.
//
// It parses with a real grammar (tree-sitter's Python grammar, via
// smacker/go-tree-sitter) rather than regular expressions, the way
// theRebelliousNerd/codenerd's PythonCodeParser parses Python for its code
// graph. Only top-level statements are visited: class bodies are not
// descended into, since class-based test organization is out of scope.
package pyast

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/MatthewMckee4/karva/internal/errors"
)

// Param is a positional parameter name of a function definition, in
// declaration order. Only the name is kept: karva resolves fixtures and
// parametrize values by name, not by type annotation or default.
type Param struct {
	Name string
}

// Arg is one argument passed to a decorator call: either positional (Name
// == "") or keyword.
type Arg struct {
	Name  string
	Value Value
}

// Decorator is one decorator applied to a function, e.g. `@fixture` or
// `@pytest.mark.parametrize("a", [1, 2])`.
type Decorator struct {
	// DottedName is the decorator's callee name with dots preserved, e.g.
	// "fixture", "parametrize", "pytest.mark.parametrize".
	DottedName string
	Args       []Arg
	// Line is the 1-based source line the decorator starts on.
	Line int
}

// FuncDef is a top-level (possibly decorated) function definition.
type FuncDef struct {
	Name       string
	Line       int // 1-based line of the "def", including leading decorators' extent is not included
	Params     []Param
	Decorators []Decorator
	// HasYield reports whether the function body contains a `yield`
	// expression directly (not inside a nested def/lambda), identifying a
	// generator-style fixture.
	HasYield bool
}

// Import is a top-level import statement, kept so the discoverer can note
// what names a module might dynamically resolve to.
type Import struct {
	Line int
	Text string
}

// File is the result of parsing one Python source file.
type File struct {
	Funcs   []FuncDef
	Imports []Import
}

// Parser parses Python source into File values. It is not safe for
// concurrent use by multiple goroutines; callers should use one Parser per
// worker goroutine to preserve discovery's deterministic ordering
// requirement.
type Parser struct {
	sp *sitter.Parser
}

// NewParser creates a Parser configured with the Python grammar.
func NewParser() *Parser {
	sp := sitter.NewParser()
	sp.SetLanguage(python.GetLanguage())
	return &Parser{sp: sp}
}

// Parse parses the given Python source. A syntax error from tree-sitter
// itself is rare (tree-sitter produces a best-effort ERROR-annotated tree
// rather than failing outright); Parse reports an error only when the
// parser itself could not run.
func (p *Parser) Parse(src []byte) (*File, error) {
	tree, err := p.sp.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, errors.Wrap(err, "tree-sitter parse failed")
	}
	defer tree.Close()

	root := tree.RootNode()
	f := &File{}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "function_definition":
			f.Funcs = append(f.Funcs, parseFuncDef(child, src, nil))
		case "decorated_definition":
			def := decoratedInner(child)
			if def != nil && def.Type() == "function_definition" {
				f.Funcs = append(f.Funcs, parseFuncDef(def, src, parseDecorators(child, src)))
			}
		case "import_statement", "import_from_statement":
			f.Imports = append(f.Imports, Import{
				Line: int(child.StartPoint().Row) + 1,
				Text: text(child, src),
			})
		}
	}
	return f, nil
}

func decoratedInner(decorated *sitter.Node) *sitter.Node {
	for i := 0; i < int(decorated.NamedChildCount()); i++ {
		c := decorated.NamedChild(i)
		if c.Type() == "function_definition" || c.Type() == "class_definition" {
			return c
		}
	}
	return nil
}

func parseDecorators(decorated *sitter.Node, src []byte) []Decorator {
	var out []Decorator
	for i := 0; i < int(decorated.NamedChildCount()); i++ {
		c := decorated.NamedChild(i)
		if c.Type() != "decorator" {
			continue
		}
		out = append(out, parseDecorator(c, src))
	}
	return out
}

// parseDecorator parses a single "decorator" node. Its sole named child is
// either an "identifier"/"attribute" (bare decorator, e.g. "@fixture") or a
// "call" (e.g. "@fixture(scope='module')").
func parseDecorator(dec *sitter.Node, src []byte) Decorator {
	line := int(dec.StartPoint().Row) + 1
	if dec.NamedChildCount() == 0 {
		return Decorator{Line: line}
	}
	expr := dec.NamedChild(0)
	if expr.Type() == "call" {
		fn := expr.ChildByFieldName("function")
		args := expr.ChildByFieldName("arguments")
		return Decorator{
			DottedName: dottedName(fn, src),
			Args:       parseArgs(args, src),
			Line:       line,
		}
	}
	return Decorator{DottedName: dottedName(expr, src), Line: line}
}

// dottedName renders an "identifier" or "attribute" node as a dotted name
// string, e.g. "pytest.mark.parametrize".
func dottedName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "identifier":
		return text(n, src)
	case "attribute":
		obj := n.ChildByFieldName("object")
		attr := n.ChildByFieldName("attribute")
		return dottedName(obj, src) + "." + text(attr, src)
	default:
		return text(n, src)
	}
}

func parseArgs(argList *sitter.Node, src []byte) []Arg {
	if argList == nil {
		return nil
	}
	var out []Arg
	for i := 0; i < int(argList.NamedChildCount()); i++ {
		c := argList.NamedChild(i)
		if c.Type() == "keyword_argument" {
			name := text(c.ChildByFieldName("name"), src)
			out = append(out, Arg{Name: name, Value: parseExpr(c.ChildByFieldName("value"), src)})
			continue
		}
		out = append(out, Arg{Value: parseExpr(c, src)})
	}
	return out
}

// parseExpr interprets the literal-expression subset of Python syntax that
// decorator arguments and parametrize values commonly use: strings,
// numbers, booleans, None, lists, tuples, bare names (KindName) and calls
// (KindCall). Anything else (comprehensions, f-strings with interpolation,
// binary ops) is returned as KindUnknown carrying its source text, flagged
// for optional late-binding.
func parseExpr(n *sitter.Node, src []byte) Value {
	if n == nil {
		return Value{Kind: KindUnknown}
	}
	raw := text(n, src)
	switch n.Type() {
	case "string":
		return Value{Kind: KindString, Str: stringLiteralContents(n, src), Source: raw}
	case "integer":
		v, _ := strconv.ParseInt(strings.ReplaceAll(raw, "_", ""), 0, 64)
		return Value{Kind: KindInt, Int: v, Source: raw}
	case "float":
		v, _ := strconv.ParseFloat(strings.ReplaceAll(raw, "_", ""), 64)
		return Value{Kind: KindFloat, Flt: v, Source: raw}
	case "true":
		return Value{Kind: KindBool, Bool: true, Source: raw}
	case "false":
		return Value{Kind: KindBool, Bool: false, Source: raw}
	case "none":
		return Value{Kind: KindNone, Source: raw}
	case "identifier":
		return Value{Kind: KindName, Str: raw, Source: raw}
	case "unary_operator":
		// Handles "-1" etc., common in parametrize values.
		op := text(n.ChildByFieldName("operator"), src)
		inner := parseExpr(n.ChildByFieldName("argument"), src)
		if op == "-" {
			switch inner.Kind {
			case KindInt:
				inner.Int = -inner.Int
			case KindFloat:
				inner.Flt = -inner.Flt
			}
		}
		inner.Source = raw
		return inner
	case "list":
		return Value{Kind: KindList, List: parseElements(n, src), Source: raw}
	case "tuple":
		return Value{Kind: KindTuple, List: parseElements(n, src), Source: raw}
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return parseExpr(n.NamedChild(0), src)
		}
		return Value{Kind: KindUnknown, Source: raw}
	case "call":
		return Value{
			Kind:     KindCall,
			CallName: dottedName(n.ChildByFieldName("function"), src),
			CallArgs: parseArgs(n.ChildByFieldName("arguments"), src),
			Source:   raw,
		}
	default:
		return Value{Kind: KindUnknown, Source: raw}
	}
}

func parseElements(n *sitter.Node, src []byte) []Value {
	var out []Value
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, parseExpr(n.NamedChild(i), src))
	}
	return out
}

// stringLiteralContents strips the quote characters (and a leading string
// prefix like f/r/b) from a tree-sitter "string" node. It does not perform
// full escape-sequence decoding; common single/double/triple-quoted forms
// are handled, which covers the decorator-argument use case.
func stringLiteralContents(n *sitter.Node, src []byte) string {
	raw := text(n, src)
	for _, prefix := range []string{"f", "F", "r", "R", "b", "B", "rb", "Rb", "rB", "RB", "fr", "Fr"} {
		if strings.HasPrefix(raw, prefix+"\"") || strings.HasPrefix(raw, prefix+"'") {
			raw = raw[len(prefix):]
			break
		}
	}
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) && len(raw) >= 2*len(q) {
			return raw[len(q) : len(raw)-len(q)]
		}
	}
	return raw
}

func parseFuncDef(n *sitter.Node, src []byte, decorators []Decorator) FuncDef {
	name := text(n.ChildByFieldName("name"), src)
	fd := FuncDef{
		Name:       name,
		Line:       int(n.StartPoint().Row) + 1,
		Decorators: decorators,
	}
	if body := n.ChildByFieldName("body"); body != nil {
		fd.HasYield = containsYield(body)
	}
	params := n.ChildByFieldName("parameters")
	if params != nil {
		for i := 0; i < int(params.NamedChildCount()); i++ {
			p := params.NamedChild(i)
			var ident *sitter.Node
			switch p.Type() {
			case "identifier":
				ident = p
			case "typed_parameter", "default_parameter", "typed_default_parameter":
				ident = p.ChildByFieldName("name")
				if ident == nil && p.NamedChildCount() > 0 {
					ident = p.NamedChild(0)
				}
			default:
				continue
			}
			if ident != nil {
				fd.Params = append(fd.Params, Param{Name: text(ident, src)})
			}
		}
	}
	return fd
}

// containsYield reports whether n's subtree contains a yield expression,
// not descending into nested function/lambda definitions (their yields
// belong to the nested generator, not the enclosing one).
func containsYield(n *sitter.Node) bool {
	switch n.Type() {
	case "function_definition", "lambda":
		return false
	case "yield":
		return true
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if containsYield(n.NamedChild(i)) {
			return true
		}
	}
	return false
}

func text(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return string(src[n.StartByte():n.EndByte()])
}

// ArgString renders a decorator call's arguments back to a debug string,
// used in collection-error messages when a parametrize shape is invalid.
func ArgString(args []Arg) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a.Name != "" {
			parts[i] = fmt.Sprintf("%s=%s", a.Name, a.Value.Repr())
		} else {
			parts[i] = a.Value.Repr()
		}
	}
	return strings.Join(parts, ", ")
}
