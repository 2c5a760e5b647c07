// Package runner wires the core engine packages (discover, normalize,
// bridge, executor, resultscache) into the single pipeline both cmd/karva's
// in-process (--no-parallel) path and cmd/karva-worker run, mirroring how
// chromiumos/tast's internal/runner package is shared between the tast CLI
// and the bundle executables it spawns.
package runner

import (
	"context"

	"github.com/MatthewMckee4/karva/internal/bridge"
	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/errors"
	"github.com/MatthewMckee4/karva/internal/executor"
	"github.com/MatthewMckee4/karva/internal/logging"
	"github.com/MatthewMckee4/karva/internal/normalize"
	"github.com/MatthewMckee4/karva/internal/pyast"
	"github.com/MatthewMckee4/karva/internal/resultscache"
)

// Options configures one discovery+normalization+execution pass.
type Options struct {
	ProjectRoot      string
	TestPrefix       string
	Ignore           discover.IgnorePredicate
	TryImportFixture bool
	FailFast         bool
	Retry            int
	PythonExe        string
}

// Discover walks opts.ProjectRoot and normalizes the resulting tree into a
// flat NormalizedTest list plus any collection errors encountered along
// the way. It never starts a Python interpreter, so try-import-fixtures
// late-binding is not applied here; the main process uses this to compute
// shard assignments, which depend only on module paths.
func Discover(opts Options) (*normalize.Result, error) {
	pkg, err := discoverTree(opts)
	if err != nil {
		return nil, err
	}
	return normalize.Normalize(opts.ProjectRoot, pkg), nil
}

func discoverTree(opts Options) (*discover.Package, error) {
	pkg, err := discover.Discover(opts.ProjectRoot, discover.Options{
		TestFuncPrefix: opts.TestPrefix,
		Ignore:         opts.Ignore,
	})
	if err != nil {
		return nil, errors.Wrap(err, "discovering tests")
	}
	return pkg, nil
}

// Run performs the full pipeline in one process: discovery, optional
// runtime fixture late-binding over a freshly started Python bridge,
// normalization, and execution. keep filters the normalized test list (nil
// keeps everything); the bridge process is closed before Run returns. A
// test whose module fails to import is reported as a StatusError outcome
// carrying the import exception; execution continues for every test in
// every other module.
func Run(ctx context.Context, sessionKey string, opts Options, keep func(*normalize.NormalizedTest) bool) ([]executor.Outcome, []discover.CollectionError, error) {
	pkg, err := discoverTree(opts)
	if err != nil {
		return nil, nil, err
	}

	proc, err := bridge.Start(ctx, opts.PythonExe, opts.ProjectRoot)
	if err != nil {
		return nil, nil, errors.Wrap(err, "starting python bridge")
	}
	defer proc.Close()

	if opts.TryImportFixture {
		mergeRuntimeFixtures(ctx, proc, pkg)
	}

	res := normalize.Normalize(opts.ProjectRoot, pkg)
	tests := res.Tests
	if keep != nil {
		var kept []*normalize.NormalizedTest
		for _, t := range res.Tests {
			if keep(t) {
				kept = append(kept, t)
			}
		}
		tests = kept
	}

	importErrs := importModules(proc, tests)

	var runnable []*normalize.NormalizedTest
	var out []executor.Outcome
	for _, t := range tests {
		if impErr, failed := importErrs[t.ModulePath]; failed {
			out = append(out, executor.Outcome{Test: t, Status: executor.StatusError, Message: impErr.Error()})
			continue
		}
		runnable = append(runnable, t)
	}

	logging.ContextLogf(ctx, "running %d tests from %d modules", len(runnable), len(importErrs)+countModules(runnable))

	exec := executor.New(proc, executor.Config{
		FailFast:   opts.FailFast,
		MaxRetries: opts.Retry,
	})
	ranOutcomes, err := exec.Run(ctx, sessionKey, runnable)
	if err != nil {
		return nil, nil, err
	}
	out = append(out, ranOutcomes...)
	return out, res.Errors, nil
}

// mergeRuntimeFixtures imports every discovered module (conftest.py files
// included) through proc and merges the fixture definitions observed at
// runtime into the discovered tree, late-binding decorator arguments the
// AST could not extract literally. A module that fails to import is left
// with its AST-inferred fixtures; the import failure will resurface when
// its tests run.
func mergeRuntimeFixtures(ctx context.Context, proc *bridge.Process, pkg *discover.Package) {
	visit := func(mod *discover.Module) {
		rfs, err := proc.ListFixtures(mod.Path)
		if err != nil {
			logging.ContextLogf(ctx, "fixture reflection skipped for %s: %v", mod.Path, err)
			return
		}
		mergeModuleFixtures(mod, rfs)
	}
	var rec func(p *discover.Package)
	rec = func(p *discover.Package) {
		if p.Conftest != nil {
			visit(p.Conftest)
		}
		for _, c := range p.Children {
			if c.Module != nil {
				visit(c.Module)
			}
			if c.Package != nil {
				rec(c.Package)
			}
		}
	}
	rec(pkg)
}

func mergeModuleFixtures(mod *discover.Module, rfs []bridge.RuntimeFixture) {
	byName := make(map[string]*discover.FixtureDef, len(mod.Fixtures))
	for _, fd := range mod.Fixtures {
		byName[fd.Name] = fd
	}
	for _, rf := range rfs {
		if fd, ok := byName[rf.Name]; ok {
			if fd.Scope == discover.ScopeDynamic && rf.Scope != "" && rf.Scope != "dynamic" {
				fd.Scope = discover.Scope(rf.Scope)
				fd.DynamicScopeExpr = ""
			}
			if rf.AutoUse {
				fd.AutoUse = true
			}
			if fd.Params == nil && len(rf.Params) > 0 {
				fd.Params = paramSpecFromNative(rf.Params, fd.Loc)
			}
			continue
		}
		nfd := &discover.FixtureDef{
			Name:     rf.Name,
			Scope:    runtimeScope(rf.Scope),
			AutoUse:  rf.AutoUse,
			IsGen:    rf.IsGen,
			Requires: rf.Requires,
			Loc:      discover.Location{Path: mod.Path, Line: rf.Line},
		}
		if len(rf.Params) > 0 {
			nfd.Params = paramSpecFromNative(rf.Params, nfd.Loc)
		}
		mod.Fixtures = append(mod.Fixtures, nfd)
		byName[rf.Name] = nfd
	}
}

func runtimeScope(s string) discover.Scope {
	switch discover.Scope(s) {
	case discover.ScopeFunction, discover.ScopeModule, discover.ScopePackage, discover.ScopeSession, discover.ScopeDynamic:
		return discover.Scope(s)
	default:
		return discover.ScopeFunction
	}
}

func paramSpecFromNative(params []interface{}, loc discover.Location) *discover.ParamSpec {
	ps := &discover.ParamSpec{Names: []string{"param"}, Loc: loc}
	for _, p := range params {
		ps.Tuples = append(ps.Tuples, discover.ParamTuple{Values: []pyast.Value{pyast.FromNative(p)}})
	}
	return ps
}

func countModules(tests []*normalize.NormalizedTest) int {
	seen := map[string]bool{}
	for _, t := range tests {
		seen[t.ModulePath] = true
	}
	return len(seen)
}

// importModules imports every distinct module path referenced by tests
// before any of them run, returning the per-module import error for every
// module whose import raised an exception. A module that fails to import
// does not prevent any other module's tests from being imported and run.
func importModules(proc *bridge.Process, tests []*normalize.NormalizedTest) map[string]error {
	seen := map[string]bool{}
	errs := map[string]error{}
	for _, t := range tests {
		if seen[t.ModulePath] {
			continue
		}
		seen[t.ModulePath] = true
		if err := proc.Import(t.ModulePath); err != nil {
			errs[t.ModulePath] = errors.Wrapf(err, "importing %s", t.ModulePath)
		}
	}
	return errs
}

// ToRecords converts executor Outcomes plus any collection errors into
// resultscache.Records ready to write to a worker's shard file.
func ToRecords(outcomes []executor.Outcome, collectionErrs []discover.CollectionError) []resultscache.Record {
	out := make([]resultscache.Record, 0, len(outcomes)+len(collectionErrs))
	for _, o := range outcomes {
		out = append(out, resultscache.Record{
			DisplayName: o.Test.DisplayName,
			ModulePath:  o.Test.ModulePath,
			Line:        o.Test.Def.Loc.Line,
			Status:      o.Status.String(),
			Message:     o.Message,
			Stdout:      o.Stdout,
			Stderr:      o.Stderr,
			DurationMS:  o.Duration.Milliseconds(),
			Attempts:    o.Attempts,
		})
	}
	for _, e := range collectionErrs {
		out = append(out, resultscache.Record{
			DisplayName: e.Loc.Path,
			ModulePath:  e.Loc.Path,
			Line:        e.Loc.Line,
			Status:      "error",
			Message:     e.Message,
		})
	}
	return out
}
