package fixture

import (
	"context"
	"fmt"
	"testing"

	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/errors"
	"github.com/MatthewMckee4/karva/internal/normalize"
)

// fakeRuntime records setup/teardown calls instead of talking to a real
// Python subprocess, so the scope stack and LIFO teardown logic can be
// exercised without internal/bridge.
type fakeRuntime struct {
	setUpOrder    []string
	tearDownOrder []string
	failSetUp     map[string]error
	failTearDown  map[string]error
}

func (r *fakeRuntime) SetUp(ctx context.Context, nf *normalize.NormalizedFixture, deps map[string]interface{}) (interface{}, error) {
	if err := r.failSetUp[nf.Def.Name]; err != nil {
		return nil, err
	}
	r.setUpOrder = append(r.setUpOrder, nf.Def.Name)
	return nf.Def.Name + "-value", nil
}

func (r *fakeRuntime) TearDown(ctx context.Context, nf *normalize.NormalizedFixture, val interface{}) error {
	r.tearDownOrder = append(r.tearDownOrder, nf.Def.Name)
	return r.failTearDown[nf.Def.Name]
}

func (r *fakeRuntime) ResolveDynamicScope(ctx context.Context, nf *normalize.NormalizedFixture) (discover.Scope, error) {
	return discover.ScopeFunction, nil
}

func fd(name string, scope discover.Scope) *discover.FixtureDef {
	return &discover.FixtureDef{Name: name, Scope: scope, Loc: discover.Location{Path: "/proj/conftest.py"}}
}

func nf(def *discover.FixtureDef, deps ...*normalize.NormalizedFixture) *normalize.NormalizedFixture {
	return &normalize.NormalizedFixture{ID: def.Name, Def: def, Deps: deps}
}

func TestResolveInstantiatesDependenciesBeforeDependent(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	if err := m.EnterScope(ctx, discover.ScopeSession, "session"); err != nil {
		t.Fatal(err)
	}
	if err := m.EnterScope(ctx, discover.ScopeFunction, "test_a"); err != nil {
		t.Fatal(err)
	}

	db := nf(fd("db", discover.ScopeFunction))
	client := nf(fd("client", discover.ScopeFunction), db)

	inst, err := m.Resolve(ctx, client, nil)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status() != StatusGreen {
		t.Fatalf("expected client to be green, got status %v err %v", inst.Status(), inst.Err())
	}
	want := []string{"db", "client"}
	if len(rt.setUpOrder) != 2 || rt.setUpOrder[0] != want[0] || rt.setUpOrder[1] != want[1] {
		t.Fatalf("setUp order = %v, want %v", rt.setUpOrder, want)
	}
}

func TestResolveCachesOneInstancePerScopeLevel(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")
	m.EnterScope(ctx, discover.ScopeFunction, "test_a")

	db := nf(fd("db", discover.ScopeFunction))
	first, err := m.Resolve(ctx, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Resolve(ctx, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("expected the same *Instance on a second Resolve within the same scope entry")
	}
	if len(rt.setUpOrder) != 1 {
		t.Fatalf("fixture should be set up exactly once, got %d calls: %v", len(rt.setUpOrder), rt.setUpOrder)
	}
}

func TestExitScopeTearsDownInLIFOOrder(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")
	m.EnterScope(ctx, discover.ScopeFunction, "test_a")

	db := nf(fd("db", discover.ScopeFunction))
	client := nf(fd("client", discover.ScopeFunction), db)
	if _, err := m.Resolve(ctx, client, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.ExitScope(ctx, discover.ScopeFunction); err != nil {
		t.Fatal(err)
	}
	want := []string{"client", "db"}
	if len(rt.tearDownOrder) != 2 || rt.tearDownOrder[0] != want[0] || rt.tearDownOrder[1] != want[1] {
		t.Fatalf("tearDown order = %v, want %v (LIFO)", rt.tearDownOrder, want)
	}
}

func TestEnterScopeWithDifferentKeyTearsDownPreviousLevel(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")
	m.EnterScope(ctx, discover.ScopeModule, "test_a.py")

	db := nf(fd("db", discover.ScopeModule))
	if _, err := m.Resolve(ctx, db, nil); err != nil {
		t.Fatal(err)
	}

	// Entering a new module tears down the previous module-scoped level.
	if err := m.EnterScope(ctx, discover.ScopeModule, "test_b.py"); err != nil {
		t.Fatal(err)
	}
	if len(rt.tearDownOrder) != 1 || rt.tearDownOrder[0] != "db" {
		t.Fatalf("expected db torn down on module transition, got %v", rt.tearDownOrder)
	}
}

func TestExitScopeContinuesPastFailingFinalizer(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}, failTearDown: map[string]error{"client": errors.New("teardown boom")}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")
	m.EnterScope(ctx, discover.ScopeFunction, "test_a")

	db := nf(fd("db", discover.ScopeFunction))
	client := nf(fd("client", discover.ScopeFunction), db)
	if _, err := m.Resolve(ctx, client, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.ExitScope(ctx, discover.ScopeFunction); err != nil {
		t.Fatalf("a failing finalizer is a warning, not an ExitScope error: %v", err)
	}
	want := []string{"client", "db"}
	if len(rt.tearDownOrder) != 2 || rt.tearDownOrder[0] != want[0] || rt.tearDownOrder[1] != want[1] {
		t.Fatalf("tearDown order = %v, want %v (db must still run after client's finalizer raised)", rt.tearDownOrder, want)
	}
}

func fdAt(name string, scope discover.Scope, path string) *discover.FixtureDef {
	return &discover.FixtureDef{Name: name, Scope: scope, Loc: discover.Location{Path: path}}
}

func TestEnterPackagesKeepsSharedOuterLevels(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")

	// A package-scoped fixture defined in the root conftest.py is owned by
	// the root package level and must survive a transition between sibling
	// subpackages.
	rootFix := nf(fdAt("shared", discover.ScopePackage, "/proj/conftest.py"))

	if err := m.EnterPackages(ctx, []string{"/proj", "/proj/a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve(ctx, rootFix, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.EnterPackages(ctx, []string{"/proj", "/proj/b"}); err != nil {
		t.Fatal(err)
	}
	if len(rt.tearDownOrder) != 0 {
		t.Fatalf("root-level fixture should survive an a->b sibling transition, got teardowns %v", rt.tearDownOrder)
	}
	if _, err := m.Resolve(ctx, rootFix, nil); err != nil {
		t.Fatal(err)
	}
	if len(rt.setUpOrder) != 1 {
		t.Fatalf("fixture should be set up once across sibling packages, got %v", rt.setUpOrder)
	}

	if err := m.ExitScope(ctx, discover.ScopePackage); err != nil {
		t.Fatal(err)
	}
	if len(rt.tearDownOrder) != 1 || rt.tearDownOrder[0] != "shared" {
		t.Fatalf("expected shared torn down on package exit, got %v", rt.tearDownOrder)
	}
}

func TestEnterPackagesTearsDownDepartedSubpackage(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")

	subFix := nf(fdAt("local", discover.ScopePackage, "/proj/a/conftest.py"))

	if err := m.EnterPackages(ctx, []string{"/proj", "/proj/a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve(ctx, subFix, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.EnterPackages(ctx, []string{"/proj", "/proj/b"}); err != nil {
		t.Fatal(err)
	}
	if len(rt.tearDownOrder) != 1 || rt.tearDownOrder[0] != "local" {
		t.Fatalf("expected a's package fixture torn down when leaving a/, got %v", rt.tearDownOrder)
	}
}

func TestResolveCyclicDependencyIsDetected(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")
	m.EnterScope(ctx, discover.ScopeFunction, "test_a")

	a := fd("a", discover.ScopeFunction)
	b := fd("b", discover.ScopeFunction)
	nfA := &normalize.NormalizedFixture{ID: "a", Def: a}
	nfB := &normalize.NormalizedFixture{ID: "b", Def: b}
	nfA.Deps = []*normalize.NormalizedFixture{nfB}
	nfB.Deps = []*normalize.NormalizedFixture{nfA}

	_, err := m.Resolve(ctx, nfA, nil)
	if err == nil {
		t.Fatal("expected a cycle detection error")
	}
}

func TestResolveSetUpErrorPoisonsOnlyDependents(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{"db": errors.New("connection refused")}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")
	m.EnterScope(ctx, discover.ScopeFunction, "test_a")

	db := nf(fd("db", discover.ScopeFunction))
	client := nf(fd("client", discover.ScopeFunction), db)
	other := nf(fd("other", discover.ScopeFunction))

	clientInst, err := m.Resolve(ctx, client, nil)
	if err != nil {
		t.Fatalf("Resolve should surface the poisoned instance, not a Go error: %v", err)
	}
	if clientInst.Status() != StatusRed {
		t.Fatal("client should be red since its dependency db failed to set up")
	}

	otherInst, err := m.Resolve(ctx, other, nil)
	if err != nil {
		t.Fatal(err)
	}
	if otherInst.Status() != StatusGreen {
		t.Fatal("a sibling fixture with no dependency on the failed one should still succeed")
	}
}

func TestResolveUnenteredScopeIsAnError(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	m := NewManager(rt, nil)
	ctx := context.Background()
	// Session scope never entered.
	s := nf(fd("s", discover.ScopeSession))
	_, err := m.Resolve(ctx, s, nil)
	if err == nil {
		t.Fatal("expected an error resolving a fixture whose scope has not been entered")
	}
}

func TestBuiltinFixtureUsesProvider(t *testing.T) {
	rt := &fakeRuntime{failSetUp: map[string]error{}}
	calls := 0
	builtins := builtinProviderFunc(func(ctx context.Context, name string) (interface{}, func() error, error) {
		calls++
		return fmt.Sprintf("builtin:%s", name), nil, nil
	})
	m := NewManager(rt, builtins)
	ctx := context.Background()
	m.EnterScope(ctx, discover.ScopeSession, "session")
	m.EnterScope(ctx, discover.ScopeFunction, "test_a")

	builtinDef := &discover.FixtureDef{Name: "tmp_path", Scope: discover.ScopeFunction, Loc: discover.Location{Path: "<builtin>"}}
	tmp := nf(builtinDef)
	inst, err := m.Resolve(ctx, tmp, nil)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected the builtin provider to be called once, got %d", calls)
	}
	if inst.Value() != "builtin:tmp_path" {
		t.Fatalf("got value %v, want builtin:tmp_path", inst.Value())
	}
}

// builtinProviderFunc adapts a function to the BuiltinProvider interface.
type builtinProviderFunc func(ctx context.Context, name string) (interface{}, func() error, error)

func (f builtinProviderFunc) ProvideBuiltin(ctx context.Context, name string) (interface{}, func() error, error) {
	return f(ctx, name)
}
