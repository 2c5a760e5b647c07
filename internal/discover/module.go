package discover

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/MatthewMckee4/karva/internal/pyast"
)

// fixtureMarkerAliases are the bare decorator names recognized as the
// fixture marker, however the karva import was aliased.
var fixtureMarkerAliases = map[string]bool{
	"fixture":       true,
	"karva.fixture": true,
}

// pytestFixtureNames are the pytest-compatible spellings recognized
// structurally, without needing to resolve the import.
var pytestFixtureNames = map[string]bool{
	"pytest.fixture": true,
}

func isFixtureDecorator(dotted string) bool {
	return fixtureMarkerAliases[dotted] || pytestFixtureNames[dotted]
}

// recognizedTagDecorators maps a decorator's dotted name to the canonical
// tag kind it represents.
var recognizedTagDecorators = map[string]string{
	"parametrize":             "parametrize",
	"karva.parametrize":       "parametrize",
	"pytest.mark.parametrize": "parametrize",
	"use_fixtures":            "use_fixtures",
	"karva.use_fixtures":      "use_fixtures",
	"skip":                    "skip",
	"karva.skip":              "skip",
	"pytest.mark.skip":        "skip",
	"pytest.mark.skipif":      "skip",
	"expect_fail":             "expect_fail",
	"karva.expect_fail":       "expect_fail",
	"pytest.mark.xfail":       "expect_fail",
}

// ParseModule parses the Python file at path and converts it into a
// Module. Parse failures are returned as a CollectionError rather than an
// error, so discovery can continue over the rest of the tree.
func ParseModule(parser *pyast.Parser, path, testFuncPrefix string) (*Module, *CollectionError) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &CollectionError{Loc: Location{Path: path}, Message: "failed to read file: " + err.Error()}
	}
	pf, err := parser.Parse(src)
	if err != nil {
		return nil, &CollectionError{Loc: Location{Path: path}, Message: "failed to parse file: " + err.Error()}
	}

	m := &Module{Path: path, Imports: pf.Imports}
	for _, fn := range pf.Funcs {
		loc := Location{Path: path, Line: fn.Line}
		if isFixture, fd := classifyFixture(fn, loc); isFixture {
			m.Fixtures = append(m.Fixtures, fd)
			continue
		}
		if strings.HasPrefix(fn.Name, testFuncPrefix) {
			m.Tests = append(m.Tests, classifyTest(m, fn, loc))
		}
	}
	return m, nil
}

func classifyFixture(fn pyast.FuncDef, loc Location) (bool, *FixtureDef) {
	for _, dec := range fn.Decorators {
		if !isFixtureDecorator(dec.DottedName) {
			continue
		}
		fd := &FixtureDef{
			Name:     fn.Name,
			Scope:    ScopeFunction,
			Requires: paramNames(fn),
			IsGen:    fn.HasYield,
			Loc:      loc,
		}
		applyFixtureArgs(fd, dec.Args, loc)
		return true, fd
	}
	return false, nil
}

func applyFixtureArgs(fd *FixtureDef, args []pyast.Arg, loc Location) {
	for i, a := range args {
		name := a.Name
		if name == "" {
			// Positional fixture() args are, by pytest convention, scope
			// then params then autouse then name, but karva only accepts
			// them as keyword args except for the common `scope` shorthand
			// in position 0.
			if i == 0 {
				name = "scope"
			} else {
				continue
			}
		}
		switch name {
		case "scope":
			if a.Value.Kind == pyast.KindString {
				fd.Scope = Scope(a.Value.Str)
			} else {
				fd.Scope = ScopeDynamic
				fd.DynamicScopeExpr = a.Value.Source
			}
		case "name":
			if a.Value.Kind == pyast.KindString {
				fd.Name = a.Value.Str
			}
		case "auto_use", "autouse":
			fd.AutoUse = a.Value.Kind == pyast.KindBool && a.Value.Bool
		case "params":
			fd.Params = valuesToParamSpec(a.Value, loc)
		}
	}
}

// valuesToParamSpec converts a `params=[...]` literal list into a
// single-column ParamSpec keyed by the fixture's implicit "param" name
// (karva tests read it via the normalized fixture's value, not by
// parameter name, so the column name is cosmetic).
func valuesToParamSpec(v pyast.Value, loc Location) *ParamSpec {
	if v.Kind != pyast.KindList && v.Kind != pyast.KindTuple {
		return nil
	}
	ps := &ParamSpec{Names: []string{"param"}, Loc: loc}
	for _, el := range v.List {
		ps.Tuples = append(ps.Tuples, ParamTuple{Values: []pyast.Value{el}})
	}
	return ps
}

func classifyTest(m *Module, fn pyast.FuncDef, loc Location) *TestDef {
	td := &TestDef{Name: fn.Name, Requires: paramNames(fn), Loc: loc}
	for _, dec := range fn.Decorators {
		applyTag(m, td, dec, loc)
	}
	return td
}

func applyTag(m *Module, td *TestDef, dec pyast.Decorator, loc Location) {
	declLoc := Location{Path: loc.Path, Line: dec.Line}
	switch recognizedTagDecorators[dec.DottedName] {
	case "parametrize":
		ps, err := parseParametrizeArgs(dec.Args, declLoc)
		if err != nil {
			m.Errs = append(m.Errs, *err)
			break
		}
		// Stacked decorators are recorded in source order; normalize will
		// form their cartesian product.
		td.Tags.Parametrize = append(td.Tags.Parametrize, *ps)
	case "use_fixtures":
		for _, a := range dec.Args {
			if a.Value.Kind == pyast.KindString {
				td.Tags.UseFixtures = append(td.Tags.UseFixtures, a.Value.Str)
			}
		}
	case "skip":
		td.Tags.Skip = parseCondition(dec.Args, declLoc)
	case "expect_fail":
		td.Tags.ExpectFail = parseCondition(dec.Args, declLoc)
	default:
		if dec.DottedName != "" {
			td.Tags.Custom = append(td.Tags.Custom, CustomTag{Name: dec.DottedName, Args: dec.Args, Loc: declLoc})
		}
	}
}

func parseCondition(args []pyast.Arg, loc Location) *Condition {
	c := &Condition{Loc: loc}
	for _, a := range args {
		if a.Name == "reason" {
			if a.Value.Kind == pyast.KindString {
				c.Reason = a.Value.Str
			}
			continue
		}
		if a.Name == "" {
			c.Conditions = append(c.Conditions, a.Value)
		}
	}
	return c
}

// parseParametrizeArgs parses `parametrize(arg_names, arg_values)`.
// arg_names is either a list/tuple of strings or a single comma-separated
// string; arg_values is a list/tuple whose elements are tuples (multiple
// names) or scalars (one name), or `param(...)` calls carrying per-row
// tag overrides. An unusable shape is a collection error against the
// decorator's own location.
func parseParametrizeArgs(args []pyast.Arg, loc Location) (*ParamSpec, *CollectionError) {
	var names []string
	var valuesArg *pyast.Arg
	pos := 0
	for i := range args {
		a := &args[i]
		if a.Name == "argnames" || (a.Name == "" && pos == 0) {
			names = parseArgNames(a.Value)
			if a.Name == "" {
				pos++
			}
			continue
		}
		if a.Name == "argvalues" || (a.Name == "" && pos == 1) {
			valuesArg = a
			if a.Name == "" {
				pos++
			}
		}
	}
	if len(names) == 0 || valuesArg == nil ||
		(valuesArg.Value.Kind != pyast.KindList && valuesArg.Value.Kind != pyast.KindTuple) {
		return nil, &CollectionError{
			Loc:     loc,
			Message: "invalid parametrize shape: parametrize(" + pyast.ArgString(args) + ")",
		}
	}
	ps := &ParamSpec{Names: names, Loc: loc}
	for _, el := range valuesArg.Value.List {
		ps.Tuples = append(ps.Tuples, parseParamRow(el, len(names), loc))
	}
	return ps, nil
}

func parseArgNames(v pyast.Value) []string {
	if v.Kind == pyast.KindString {
		parts := strings.Split(v.Str, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	if v.Kind == pyast.KindList || v.Kind == pyast.KindTuple {
		out := make([]string, 0, len(v.List))
		for _, el := range v.List {
			out = append(out, el.Str)
		}
		return out
	}
	return nil
}

// paramRowCallNames are the callee spellings of the per-row override form
// `param(*values, tags=[...])`, in both karva and pytest namespaces.
var paramRowCallNames = map[string]bool{
	"param":        true,
	"karva.param":  true,
	"pytest.param": true,
}

func parseParamRow(v pyast.Value, nnames int, loc Location) ParamTuple {
	if v.Kind == pyast.KindCall && paramRowCallNames[v.CallName] {
		return parseParamCall(v, nnames, loc)
	}
	if nnames > 1 && (v.Kind == pyast.KindTuple || v.Kind == pyast.KindList) {
		return ParamTuple{Values: v.List}
	}
	return ParamTuple{Values: []pyast.Value{v}}
}

// parseParamCall parses one `param(*values, tags=[...])` row. Values are
// the positional arguments; the tags (or pytest's marks) keyword carries
// per-row overrides such as skip or expect_fail.
func parseParamCall(v pyast.Value, nnames int, loc Location) ParamTuple {
	var t ParamTuple
	for _, a := range v.CallArgs {
		switch a.Name {
		case "":
			t.Values = append(t.Values, a.Value)
		case "tags", "marks":
			t.Tags = parseRowTags(a.Value, loc)
		}
	}
	if nnames > 1 && len(t.Values) == 1 &&
		(t.Values[0].Kind == pyast.KindTuple || t.Values[0].Kind == pyast.KindList) {
		t.Values = t.Values[0].List
	}
	return t
}

// parseRowTags parses a tags=[...] override list. Elements may be bare
// names (skip) or calls carrying a reason (skip(reason="...")).
func parseRowTags(v pyast.Value, loc Location) *Tags {
	if v.Kind != pyast.KindList && v.Kind != pyast.KindTuple {
		return nil
	}
	tags := &Tags{}
	for _, el := range v.List {
		name := el.Str
		var args []pyast.Arg
		if el.Kind == pyast.KindCall {
			name = el.CallName
			args = el.CallArgs
		}
		name = strings.TrimPrefix(name, "pytest.mark.")
		name = strings.TrimPrefix(name, "karva.")
		switch name {
		case "skip", "skipif":
			tags.Skip = parseCondition(args, loc)
		case "expect_fail", "xfail":
			tags.ExpectFail = parseCondition(args, loc)
		}
	}
	if tags.Skip == nil && tags.ExpectFail == nil {
		return nil
	}
	return tags
}

func paramNames(fn pyast.FuncDef) []string {
	out := make([]string, 0, len(fn.Params))
	for _, p := range fn.Params {
		out = append(out, p.Name)
	}
	return out
}

func isConftestPath(path string) bool {
	return filepath.Base(path) == "conftest.py"
}
