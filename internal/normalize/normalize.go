// Package normalize expands parametrized fixtures and parametrized tests
// into concrete, directly-executable variants, including the
// cross-cutting cartesian product along a test's full dependency chain.
package normalize

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/pyast"
)

// NormalizedFixture is one fully-resolved, fully-parametrized fixture
// variant, ready to instantiate.
type NormalizedFixture struct {
	ID    string // "{name}[{stringified-params}]"
	Def   *discover.FixtureDef
	Param *pyast.Value // nil if the fixture carries no parameter in this variant
	Deps  []*NormalizedFixture
}

// NormalizedTest is one fully-resolved, fully-parametrized test variant.
type NormalizedTest struct {
	Def         *discover.TestDef
	ModulePath  string
	PackageDirs []string // project root first, test's own directory last
	ParamValues map[string]pyast.Value
	Deps        []*NormalizedFixture
	DisplayName string
	Tags        discover.Tags
}

// Result is the output of a Normalize run.
type Result struct {
	Tests  []*NormalizedTest
	Errors []discover.CollectionError
}

type normalizer struct {
	idx   *Index
	errs  []discover.CollectionError
	tests []*NormalizedTest
	// memo caches fixture expansion by FixtureDef identity: since a
	// fixture's dependency resolution depends only on its own defining
	// location (never on who requests it), the resulting variant set is
	// invariant across callers and can be shared.
	memo map[*discover.FixtureDef][]*NormalizedFixture
}

// Normalize walks root's discovered Package tree and produces the flat
// list of NormalizedTests.
func Normalize(projectRootDir string, root *discover.Package) *Result {
	n := &normalizer{
		idx:  BuildIndex(projectRootDir, root),
		memo: map[*discover.FixtureDef][]*NormalizedFixture{},
	}
	n.errs = append(n.errs, collectPkgErrors(root)...)
	discover.Walk(root, func(path []*discover.Package, mod *discover.Module) {
		n.normalizeModule(path, mod)
	})
	return &Result{Tests: n.tests, Errors: dedupeErrors(n.errs)}
}

// tests is populated incrementally; kept as a normalizer field purely to
// avoid a second return channel from normalizeModule's inner closures.
func (n *normalizer) normalizeModule(path []*discover.Package, mod *discover.Module) {
	dir := filepath.Dir(mod.Path)
	moduleLocal := fixtureMapOf(mod.Fixtures)
	dirs := packageDirs(path)

	for _, td := range mod.Tests {
		variants := n.expandTest(td, mod.Path, dir, moduleLocal, dirs)
		n.tests = append(n.tests, variants...)
	}
}

func packageDirs(path []*discover.Package) []string {
	dirs := make([]string, len(path))
	for i, p := range path {
		dirs[i] = p.Dir
	}
	return dirs
}

// collectPkgErrors gathers the collection errors recorded on pkg and on
// every package nested under it, including packages that contain no test
// module.
func collectPkgErrors(pkg *discover.Package) []discover.CollectionError {
	if pkg == nil {
		return nil
	}
	out := append([]discover.CollectionError(nil), pkg.CollectErr...)
	for _, c := range pkg.Children {
		if c.Package != nil {
			out = append(out, collectPkgErrors(c.Package)...)
		}
	}
	return out
}

func dedupeErrors(in []discover.CollectionError) []discover.CollectionError {
	seen := map[string]bool{}
	var out []discover.CollectionError
	for _, e := range in {
		key := fmt.Sprintf("%s:%d:%s", e.Loc.Path, e.Loc.Line, e.Message)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

func (n *normalizer) expandTest(td *discover.TestDef, modPath, dir string, moduleLocal map[string]*discover.FixtureDef, dirs []string) []*NormalizedTest {
	// Names covered by test-level parametrize take priority over
	// same-named fixtures.
	paramNames := map[string]bool{}
	for _, ps := range td.Tags.Parametrize {
		for _, nm := range ps.Names {
			paramNames[nm] = true
		}
	}

	var depNames []string
	seen := map[string]bool{}
	// Auto-use fixtures reachable from this test's location are treated as
	// implicit leading dependencies, so the fixture manager instantiates
	// them (at their own scope) the same way it would any other requested
	// fixture. They are resolved first so their
	// side effects run before explicitly-requested fixtures, matching
	// pytest's own ordering.
	for _, r := range n.idx.autoUseNames(dir, moduleLocal) {
		if paramNames[r] || seen[r] {
			continue
		}
		seen[r] = true
		depNames = append(depNames, r)
	}
	for _, r := range td.Requires {
		if paramNames[r] || seen[r] {
			continue
		}
		seen[r] = true
		depNames = append(depNames, r)
	}
	for _, r := range td.Tags.UseFixtures {
		if paramNames[r] || seen[r] {
			continue
		}
		seen[r] = true
		depNames = append(depNames, r)
	}

	// Resolve each required fixture name to its variant set.
	depVariants := make([][]*NormalizedFixture, len(depNames))
	for i, name := range depNames {
		fd, err := n.idx.resolve(dir, moduleLocal, nil, name)
		if err != nil {
			n.errs = append(n.errs, discover.CollectionError{Loc: td.Loc, Message: err.Error()})
			return nil
		}
		variants, ok := n.expandFixture(fd, map[*discover.FixtureDef]bool{}, td.Loc)
		if !ok {
			return nil
		}
		depVariants[i] = variants
	}

	rows := cartesianParamRows(td.Tags.Parametrize)

	var out []*NormalizedTest
	for _, row := range rows {
		cartesianFixtureCombo(depVariants, func(combo []*NormalizedFixture) {
			nt := &NormalizedTest{
				Def:         td,
				ModulePath:  modPath,
				PackageDirs: dirs,
				ParamValues: row.values,
				Deps:        append([]*NormalizedFixture(nil), combo...),
				Tags:        *td.Tags.Merge(row.tags),
			}
			nt.DisplayName = buildDisplayName(td.Name, row.bindings, combo)
			out = append(out, nt)
		})
	}
	return out
}

type paramRow struct {
	values   map[string]pyast.Value
	bindings []binding // ordered, for display-name construction
	tags     *discover.Tags
}

type binding struct {
	name string
	val  pyast.Value
}

// cartesianParamRows computes the cartesian product of every stacked
// parametrize decorator's value rows. With no parametrize decorators, it
// returns a single empty row so callers still produce exactly one
// NormalizedTest.
func cartesianParamRows(specs []discover.ParamSpec) []paramRow {
	rows := []paramRow{{values: map[string]pyast.Value{}}}
	for _, spec := range specs {
		spec := spec
		var next []paramRow
		for _, base := range rows {
			for _, tup := range spec.Tuples {
				values := cloneValues(base.values)
				bindings := append([]binding(nil), base.bindings...)
				for i, nm := range spec.Names {
					if i < len(tup.Values) {
						values[nm] = tup.Values[i]
						bindings = append(bindings, binding{name: nm, val: tup.Values[i]})
					}
				}
				tags := base.tags
				if tup.Tags != nil {
					if tags == nil {
						tags = tup.Tags
					} else {
						tags = tags.Merge(tup.Tags)
					}
				}
				next = append(next, paramRow{values: values, bindings: bindings, tags: tags})
			}
		}
		if len(spec.Tuples) > 0 {
			rows = next
		}
	}
	return rows
}

func cloneValues(m map[string]pyast.Value) map[string]pyast.Value {
	out := make(map[string]pyast.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cartesianFixtureCombo invokes emit once per combination of one variant
// chosen from each element of variantSets, in dependency order.
func cartesianFixtureCombo(variantSets [][]*NormalizedFixture, emit func([]*NormalizedFixture)) bool {
	combo := make([]*NormalizedFixture, len(variantSets))
	var rec func(i int)
	rec = func(i int) {
		if i == len(variantSets) {
			emit(combo)
			return
		}
		for _, v := range variantSets[i] {
			combo[i] = v
			rec(i + 1)
		}
	}
	if len(variantSets) == 0 {
		emit(nil)
	} else {
		rec(0)
	}
	return true
}

func buildDisplayName(testName string, bindings []binding, deps []*NormalizedFixture) string {
	var parts []string
	for _, b := range bindings {
		parts = append(parts, fmt.Sprintf("%s=%s", b.name, b.val.Repr()))
	}
	for _, d := range deps {
		if d.Param != nil {
			parts = append(parts, fmt.Sprintf("%s=%s", d.Def.Name, d.Param.Repr()))
		}
	}
	if len(parts) == 0 {
		return testName
	}
	return fmt.Sprintf("%s[%s]", testName, strings.Join(parts, ", "))
}

// expandFixture returns the set of NormalizedFixture variants for fd,
// recursively expanding its dependencies. chain is the in-progress set
// used for cycle detection. reqLoc is
// where to attribute a collection error if one occurs while expanding on
// behalf of this request.
func (n *normalizer) expandFixture(fd *discover.FixtureDef, chain map[*discover.FixtureDef]bool, reqLoc discover.Location) ([]*NormalizedFixture, bool) {
	if cached, ok := n.memo[fd]; ok {
		return cached, true
	}
	if chain[fd] {
		loc := reqLoc
		if loc.Path == "" {
			loc = fd.Loc
		}
		n.errs = append(n.errs, discover.CollectionError{
			Loc:     loc,
			Message: fmt.Sprintf("cyclic fixture dependency involving %q", fd.Name),
		})
		return nil, false
	}
	chain = markInProgress(chain, fd)

	locationDir := filepath.Dir(fd.Loc.Path)
	moduleLocal := n.idx.moduleLocalFixtures(fd.Loc.Path)

	var depVariantSets [][]*NormalizedFixture
	for _, name := range fd.Requires {
		if name == "param" && fd.Params != nil {
			// A parametrized fixture's "param" argument is bound to the
			// variant's parameter value, not to a fixture of that name.
			continue
		}
		depFd, err := n.idx.resolve(locationDir, moduleLocal, fd, name)
		if err != nil {
			n.errs = append(n.errs, discover.CollectionError{Loc: fd.Loc, Message: err.Error()})
			return nil, false
		}
		if depFd.Scope != discover.ScopeDynamic && fd.Scope != discover.ScopeDynamic && depFd.Scope.Narrower(fd.Scope) {
			n.errs = append(n.errs, discover.CollectionError{
				Loc: fd.Loc,
				Message: fmt.Sprintf("fixture %q (scope %s) cannot depend on %q (scope %s): narrower scope",
					fd.Name, fd.Scope, depFd.Name, depFd.Scope),
			})
			return nil, false
		}
		variants, ok := n.expandFixture(depFd, chain, fd.Loc)
		if !ok {
			return nil, false
		}
		depVariantSets = append(depVariantSets, variants)
	}

	rows := []*pyast.Value{nil}
	if fd.Params != nil && len(fd.Params.Tuples) > 0 {
		rows = rows[:0]
		for _, t := range fd.Params.Tuples {
			if len(t.Values) > 0 {
				v := t.Values[0]
				rows = append(rows, &v)
			}
		}
	}

	var out []*NormalizedFixture
	cartesianFixtureCombo(depVariantSets, func(combo []*NormalizedFixture) {
		for _, row := range rows {
			out = append(out, &NormalizedFixture{
				ID:    fixtureID(fd.Name, row),
				Def:   fd,
				Param: row,
				Deps:  append([]*NormalizedFixture(nil), combo...),
			})
		}
	})
	n.memo[fd] = out
	return out, true
}

func markInProgress(chain map[*discover.FixtureDef]bool, fd *discover.FixtureDef) map[*discover.FixtureDef]bool {
	next := make(map[*discover.FixtureDef]bool, len(chain)+1)
	for k := range chain {
		next[k] = true
	}
	next[fd] = true
	return next
}

func fixtureID(name string, v *pyast.Value) string {
	if v == nil {
		return name
	}
	return fmt.Sprintf("%s[%s]", name, v.Repr())
}
