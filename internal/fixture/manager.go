// Package fixture is the runtime Fixture Manager: it
// instantiates NormalizedFixtures lazily as tests request them, caches one
// instance per scope entry, and tears them down in LIFO order when a scope
// is exited.
//
// The bookkeeping is adapted from chromiumos/tast/internal/planner/internal/
// fixture's InternalStack: a fixture instance is green (set up successfully)
// or red (not yet set up, or torn down); unlike tast's DUT fixtures, pytest
// fixtures are never reset between tests within the same scope entry, so
// the yellow ("failed to reset, needs recovery") status has no Karva
// analog and is dropped from this adaptation.
package fixture

import (
	"context"
	"path/filepath"

	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/errors"
	"github.com/MatthewMckee4/karva/internal/logging"
	"github.com/MatthewMckee4/karva/internal/normalize"
)

// Status is a fixture instance's lifecycle state.
type Status int

const (
	StatusRed Status = iota
	StatusGreen
)

// Runtime performs the actual Python-side work of setting up and tearing
// down a fixture; internal/bridge provides the concrete implementation.
type Runtime interface {
	// SetUp runs nf's callable (driving it to its first yield if it is a
	// generator fixture) and returns the value it produces.
	SetUp(ctx context.Context, nf *normalize.NormalizedFixture, deps map[string]interface{}) (interface{}, error)
	// TearDown resumes a generator fixture past its yield, or is a no-op
	// for non-generator fixtures.
	TearDown(ctx context.Context, nf *normalize.NormalizedFixture, val interface{}) error
	// ResolveDynamicScope invokes nf's scope= callable to determine its
	// actual scope for this resolution.
	ResolveDynamicScope(ctx context.Context, nf *normalize.NormalizedFixture) (discover.Scope, error)
}

// BuiltinProvider supplies the framework-provided fixtures (tmp_path,
// tmpdir, temp_path, temp_dir, monkeypatch) that have no Python-source
// definition to send through Runtime.
type BuiltinProvider interface {
	// ProvideBuiltin produces the value for the named built-in fixture and
	// a cleanup func invoked once at scope exit (nil if none is needed).
	ProvideBuiltin(ctx context.Context, name string) (value interface{}, cleanup func() error, err error)
}

// Instance is one concrete, instantiated fixture.
type Instance struct {
	ID      string
	Def     *normalize.NormalizedFixture
	status  Status
	val     interface{}
	err     error
	cleanup func() error
}

func (i *Instance) Status() Status     { return i.status }
func (i *Instance) Value() interface{} { return i.val }
func (i *Instance) Err() error         { return i.err }
func (i *Instance) Name() string       { return i.Def.Def.Name }

// scopeLevel holds every fixture instance created during one entry of a
// given scope (e.g. one test module's ScopeModule level).
type scopeLevel struct {
	scope discover.Scope
	key   string
	order []*Instance // creation order, for LIFO teardown
	byID  map[string]*Instance
}

func newScopeLevel(scope discover.Scope, key string) *scopeLevel {
	return &scopeLevel{scope: scope, key: key, byID: map[string]*Instance{}}
}

// Manager resolves and caches fixture instances across the scope stack.
// The function, module, and session scopes each have at most one open
// level; packages form a stack of open levels, outermost first, so that a
// fixture defined in an outer conftest.py survives transitions between
// that package's subdirectories.
type Manager struct {
	rt       Runtime
	builtins BuiltinProvider
	levels   map[discover.Scope]*scopeLevel
	packages []*scopeLevel
}

// NewManager creates an empty Manager backed by rt. builtins may be nil if
// the caller never resolves a built-in fixture.
func NewManager(rt Runtime, builtins BuiltinProvider) *Manager {
	return &Manager{rt: rt, builtins: builtins, levels: map[discover.Scope]*scopeLevel{}}
}

// EnterScope establishes the scope level identified by (scope, key) — for
// example (ScopeModule, modulePath) when the executor begins a new test
// module. Re-entering with the same key is a no-op. Entering with a
// different key first tears down the previous level at scope and every
// narrower scope still open, in LIFO order, since those are no longer
// reachable once their enclosing scope changes. Package scopes are managed
// as a stack via EnterPackages instead.
func (m *Manager) EnterScope(ctx context.Context, scope discover.Scope, key string) error {
	if scope == discover.ScopePackage {
		return m.EnterPackages(ctx, []string{key})
	}
	if cur := m.levels[scope]; cur != nil && cur.key == key {
		return nil
	}
	if err := m.ExitScope(ctx, scope); err != nil {
		return err
	}
	m.levels[scope] = newScopeLevel(scope, key)
	return nil
}

// EnterPackages aligns the open package-scope stack with dirs (the chain
// of directories enclosing the next test, project root first). Packages
// shared with the currently open stack stay open with their fixture
// instances intact; packages no longer on the path are exited innermost
// first, after the module and function levels below them.
func (m *Manager) EnterPackages(ctx context.Context, dirs []string) error {
	keep := 0
	for keep < len(m.packages) && keep < len(dirs) && m.packages[keep].key == dirs[keep] {
		keep++
	}
	if keep < len(m.packages) {
		m.exitFlat(ctx, discover.ScopeFunction)
		m.exitFlat(ctx, discover.ScopeModule)
		for i := len(m.packages) - 1; i >= keep; i-- {
			m.tearDownLevel(ctx, m.packages[i])
		}
		m.packages = m.packages[:keep]
	}
	for ; keep < len(dirs); keep++ {
		m.packages = append(m.packages, newScopeLevel(discover.ScopePackage, dirs[keep]))
	}
	return nil
}

// ExitScope tears down every fixture instance at scope and at every scope
// narrower than it that is still open, narrowest first. Teardown failures
// are logged as warnings and do not stop the remaining finalizers.
func (m *Manager) ExitScope(ctx context.Context, scope discover.Scope) error {
	m.exitFlat(ctx, discover.ScopeFunction)
	if scope == discover.ScopeFunction {
		return nil
	}
	m.exitFlat(ctx, discover.ScopeModule)
	if scope == discover.ScopeModule {
		return nil
	}
	for i := len(m.packages) - 1; i >= 0; i-- {
		m.tearDownLevel(ctx, m.packages[i])
	}
	m.packages = nil
	if scope == discover.ScopePackage {
		return nil
	}
	m.exitFlat(ctx, discover.ScopeSession)
	return nil
}

func (m *Manager) exitFlat(ctx context.Context, scope discover.Scope) {
	lvl, ok := m.levels[scope]
	if !ok {
		return
	}
	delete(m.levels, scope)
	m.tearDownLevel(ctx, lvl)
}

func (m *Manager) tearDownLevel(ctx context.Context, lvl *scopeLevel) {
	for i := len(lvl.order) - 1; i >= 0; i-- {
		inst := lvl.order[i]
		if inst.status != StatusGreen {
			continue
		}
		var err error
		if inst.cleanup != nil {
			err = inst.cleanup()
		} else {
			err = m.rt.TearDown(ctx, inst.Def, inst.val)
		}
		if err != nil {
			// A finalizer that raises does not change any test's outcome
			// and must not prevent the remaining finalizers from running.
			logging.ContextLogf(ctx, "warning: teardown of fixture %q failed: %v", inst.Name(), err)
		}
		inst.status = StatusRed
	}
}

// Resolve instantiates nf if it has not already been instantiated at its
// scope's current level, recursively resolving its dependencies first.
// chain is the in-progress set used to detect resolution cycles; pass nil
// from the top-level caller.
func (m *Manager) Resolve(ctx context.Context, nf *normalize.NormalizedFixture, chain map[string]bool) (*Instance, error) {
	scope := nf.Def.Scope
	if scope == discover.ScopeDynamic {
		resolved, err := m.rt.ResolveDynamicScope(ctx, nf)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving dynamic scope for fixture %q", nf.Def.Name)
		}
		scope = resolved
	}

	lvl := m.levelFor(scope, nf)
	if lvl == nil {
		return nil, errors.Errorf("fixture %q: scope %s has not been entered", nf.Def.Name, scope)
	}
	if inst, ok := lvl.byID[nf.ID]; ok {
		return inst, nil
	}
	if chain[nf.ID] {
		return nil, errors.Errorf("cyclic fixture dependency involving %q", nf.Def.Name)
	}
	chain = markInProgress(chain, nf.ID)

	deps := make(map[string]interface{}, len(nf.Deps))
	for _, dep := range nf.Deps {
		depInst, err := m.Resolve(ctx, dep, chain)
		if err != nil {
			return nil, err
		}
		if depInst.Status() != StatusGreen {
			inst := &Instance{ID: nf.ID, Def: nf, status: StatusRed,
				err: errors.Wrapf(depInst.Err(), "dependency %q failed to set up", dep.Def.Name)}
			lvl.byID[nf.ID] = inst
			lvl.order = append(lvl.order, inst)
			return inst, nil
		}
		deps[dep.Def.Name] = depInst.Value()
	}

	inst := &Instance{ID: nf.ID, Def: nf}
	var val interface{}
	var cleanup func() error
	var err error
	if normalize.IsBuiltin(nf.Def) {
		if m.builtins == nil {
			err = errors.Errorf("built-in fixture %q: no provider configured", nf.Def.Name)
		} else {
			val, cleanup, err = m.builtins.ProvideBuiltin(ctx, nf.Def.Name)
		}
	} else {
		val, err = m.rt.SetUp(ctx, nf, deps)
	}
	if err != nil {
		inst.status = StatusRed
		inst.err = err
	} else {
		inst.status = StatusGreen
		inst.val = val
		inst.cleanup = cleanup
	}
	lvl.byID[nf.ID] = inst
	lvl.order = append(lvl.order, inst)
	return inst, nil
}

// levelFor picks the scope level that owns nf's instance. Package-scoped
// fixtures live in the open package level matching their defining
// directory, so a fixture from an outer conftest.py is shared across that
// package's subdirectories; a package-scoped fixture defined elsewhere
// falls back to the innermost open package.
func (m *Manager) levelFor(scope discover.Scope, nf *normalize.NormalizedFixture) *scopeLevel {
	if scope != discover.ScopePackage {
		return m.levels[scope]
	}
	if len(m.packages) == 0 {
		return nil
	}
	dir := filepath.Dir(nf.Def.Loc.Path)
	for i := len(m.packages) - 1; i >= 0; i-- {
		if m.packages[i].key == dir {
			return m.packages[i]
		}
	}
	return m.packages[len(m.packages)-1]
}

func markInProgress(chain map[string]bool, id string) map[string]bool {
	next := make(map[string]bool, len(chain)+1)
	for k := range chain {
		next[k] = true
	}
	next[id] = true
	return next
}
