// Package discover walks a project tree, parses Python source with
// karva/internal/pyast, and produces a Package tree of TestDefs and
// FixtureDefs ready for normalization.
//
// Field names were chosen to read naturally, but the registration/instance
// split (Fixture vs FixtureInstance in
// chromiumos/tast/internal/testing) is echoed here as FixtureDef/TestDef
// (discovered once) versus the normalize package's NormalizedFixture/
// NormalizedTest (expanded variants).
package discover

import "github.com/MatthewMckee4/karva/internal/pyast"

// Location identifies where an entity was defined.
type Location struct {
	Path string
	Line int
}

// Scope is a fixture's lifetime classification.
type Scope string

const (
	ScopeFunction Scope = "function"
	ScopeModule   Scope = "module"
	ScopePackage  Scope = "package"
	ScopeSession  Scope = "session"
	// ScopeDynamic marks a fixture whose scope is determined by calling a
	// user callable at resolution time.
	ScopeDynamic Scope = "dynamic"
)

// scopeRank orders scopes from narrowest to widest, used to enforce the
// invariant that a fixture cannot depend on a strictly narrower scope.
var scopeRank = map[Scope]int{
	ScopeFunction: 0,
	ScopeModule:   1,
	ScopePackage:  2,
	ScopeSession:  3,
}

// Narrower reports whether a is a strictly narrower scope than b. Dynamic
// scopes are never known to be narrower until resolved, so Narrower
// returns false whenever either a or b is ScopeDynamic.
func (a Scope) Narrower(b Scope) bool {
	ra, aok := scopeRank[a]
	rb, bok := scopeRank[b]
	if !aok || !bok {
		return false
	}
	return ra < rb
}

// ParamTuple is one row of a parametrize value table: a tuple of values
// aligned with ParamSpec.Names, plus any per-row tag overrides (the
// `param(..., tags=[...])` form).
type ParamTuple struct {
	Values []pyast.Value
	Tags   *Tags
}

// ParamSpec is one `parametrize`/`pytest.mark.parametrize` decorator
// occurrence, fully parsed.
type ParamSpec struct {
	Names  []string
	Tuples []ParamTuple
	// Loc is where the decorator appears, for collection-error reporting.
	Loc Location
}

// Condition is a `skip`/`expect_fail` decorator occurrence.
type Condition struct {
	// Conditions holds the literal/expr conditions passed positionally. An
	// empty slice means "always".
	Conditions []pyast.Value
	Reason     string
	Loc        Location
}

// CustomTag is an unrecognized decorator, kept opaque and keyed by name.
type CustomTag struct {
	Name string
	Args []pyast.Arg
	Loc  Location
}

// Tags holds every decorator-derived marker attached to a test or a
// parametrize row.
type Tags struct {
	Parametrize []ParamSpec
	UseFixtures []string
	Skip        *Condition
	ExpectFail  *Condition
	Custom      []CustomTag
}

// Merge overlays row-level tag overrides (from a `param(..., tags=[...])`
// entry) on top of test-level tags, returning a new Tags. Only Skip and
// ExpectFail can be overridden per row; other fields are inherited
// unchanged from the base.
func (t *Tags) Merge(override *Tags) *Tags {
	if override == nil {
		return t
	}
	out := *t
	if override.Skip != nil {
		out.Skip = override.Skip
	}
	if override.ExpectFail != nil {
		out.ExpectFail = override.ExpectFail
	}
	return &out
}

// FixtureDef is a fixture as discovered from source, before parametrize
// expansion.
type FixtureDef struct {
	Name     string
	Scope    Scope
	AutoUse  bool
	IsGen    bool // true if the underlying function contains a `yield`
	Requires []string
	Params   *ParamSpec // nil if the fixture is not parametrized
	Loc      Location
	// DynamicScopeExpr is the source text of a scope= argument that was not
	// a literal scope name, i.e. a callable to invoke at resolution time.
	DynamicScopeExpr string
}

// TestDef is a test function as discovered from source, before
// parametrize expansion.
type TestDef struct {
	Name     string
	Requires []string // fixture names requested as function parameters
	Tags     Tags
	Loc      Location
}

// Module is one parsed Python file.
type Module struct {
	Path     string
	Tests    []*TestDef
	Fixtures []*FixtureDef
	Imports  []pyast.Import
	// Errs holds per-declaration collection errors (e.g. an invalid
	// parametrize shape) that did not prevent the rest of the module from
	// being discovered.
	Errs []CollectionError
}

// IsConftest reports whether m is a conftest.py file.
func (m *Module) IsConftest() bool {
	return isConftestPath(m.Path)
}

// Package is a directory in the discovered tree. Children are kept in an
// ordered slice (not a map) so iteration is deterministic by filename, per
// "Discovery is deterministic" edge policy.
type Package struct {
	Dir        string
	Conftest   *Module
	Children   []PackageChild
	CollectErr []CollectionError
}

// PackageChild is either a nested Package or a leaf Module.
type PackageChild struct {
	Name    string
	Package *Package
	Module  *Module
}

// CollectionError is a diagnostic produced during discovery or
// normalization that does not prevent the rest of the tree from being
// processed.
type CollectionError struct {
	Loc     Location
	Message string
}

// ProjectRoot is the top of the discovered tree.
type ProjectRoot struct {
	Abs              string
	TestFuncPrefix   string
	Root             *Package
	TryImportFixture bool
}
