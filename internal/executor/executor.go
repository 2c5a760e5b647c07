// Package executor drives NormalizedTests to completion: entering and
// exiting the fixture scope stack around each one, honoring skip/
// expect_fail tags, retrying on failure per policy, and stopping early
// under --fail-fast. The staged run-one-test shape is adapted from
// chromiumos/tast/internal/planner's runStages/stage.go, simplified to
// Karva's single setup/run/teardown sequence (no separate
// PreTest/PostTest stage, which has no pytest analog).
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/MatthewMckee4/karva/internal/bridge"
	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/fixture"
	"github.com/MatthewMckee4/karva/internal/logging"
	"github.com/MatthewMckee4/karva/internal/normalize"
	"github.com/MatthewMckee4/karva/internal/pyast"
)

// Status classifies how a test variant finished.
type Status int

const (
	StatusPass Status = iota
	StatusFail
	StatusSkip
	StatusExpectFail     // failed as expected (xfail)
	StatusUnexpectedPass // expect_fail tag present but the test passed (xpass)
	StatusError          // collection-time or fixture-setup failure
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusFail:
		return "fail"
	case StatusSkip:
		return "skip"
	case StatusExpectFail:
		return "xfail"
	case StatusUnexpectedPass:
		return "xpass"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the result of running one NormalizedTest variant.
type Outcome struct {
	Test     *normalize.NormalizedTest
	Status   Status
	Message  string
	Stdout   string
	Stderr   string
	Duration time.Duration
	Attempts int
}

// Config controls retry and fail-fast behavior.
type Config struct {
	FailFast   bool
	MaxRetries int
}

// Executor runs a flat, already-ordered slice of NormalizedTests against a
// single Python runtime process.
type Executor struct {
	mgr  *fixture.Manager
	proc *bridge.Process
	cfg  Config
}

// New creates an Executor bound to proc.
func New(proc *bridge.Process, cfg Config) *Executor {
	return &Executor{
		mgr:  fixture.NewManager(proc, builtinProvider{}),
		proc: proc,
		cfg:  cfg,
	}
}

// Run executes every test in tests, in order, returning one Outcome per
// test (including skipped and errored ones). It stops early if cfg.
// FailFast is set and a non-pass, non-skip, non-xfail outcome occurs.
func (e *Executor) Run(ctx context.Context, sessionKey string, tests []*normalize.NormalizedTest) ([]Outcome, error) {
	if err := e.mgr.EnterScope(ctx, discover.ScopeSession, sessionKey); err != nil {
		return nil, err
	}
	defer e.mgr.ExitScope(ctx, discover.ScopeSession)

	var out []Outcome
	for i, t := range tests {
		o, err := e.runOne(ctx, fmt.Sprintf("f%d", i), t)
		if err != nil {
			return out, err
		}
		out = append(out, o)
		if e.cfg.FailFast && isHardFailure(o.Status) {
			break
		}
	}
	return out, nil
}

func isHardFailure(s Status) bool {
	return s == StatusFail || s == StatusError || s == StatusUnexpectedPass
}

func (e *Executor) runOne(ctx context.Context, funcKey string, t *normalize.NormalizedTest) (Outcome, error) {
	if err := e.mgr.EnterPackages(ctx, t.PackageDirs); err != nil {
		return Outcome{Test: t, Status: StatusError, Message: err.Error()}, nil
	}
	if err := e.mgr.EnterScope(ctx, discover.ScopeModule, t.ModulePath); err != nil {
		return Outcome{Test: t, Status: StatusError, Message: err.Error()}, nil
	}

	if skip, reason, err := e.shouldSkip(ctx, t); err != nil {
		return Outcome{Test: t, Status: StatusError, Message: err.Error()}, nil
	} else if skip {
		return Outcome{Test: t, Status: StatusSkip, Message: reason}, nil
	}

	var expectFail bool
	if cond := t.Tags.ExpectFail; cond != nil {
		truth, err := e.evalAllConditions(ctx, t.ModulePath, cond.Conditions)
		if err != nil {
			return Outcome{Test: t, Status: StatusError, Message: err.Error()}, nil
		}
		expectFail = truth
	}

	attempts := e.cfg.MaxRetries + 1
	var last Outcome
	for attempt := 1; attempt <= attempts; attempt++ {
		o, retryable := e.runAttempt(ctx, fmt.Sprintf("%s:%d", funcKey, attempt), t, expectFail, attempt)
		last = o
		if !retryable {
			break
		}
		if attempt < attempts {
			logging.ContextLogf(ctx, "retrying %s (attempt %d of %d failed)", t.DisplayName, attempt, attempts)
		}
	}
	return last, nil
}

// runAttempt opens a fresh function scope, resolves t's fixtures, invokes
// the test callable, and closes the function scope again, classifying the
// outcome. The second return reports whether the attempt may be retried:
// only genuine test failures are, never setup or collection errors.
func (e *Executor) runAttempt(ctx context.Context, funcKey string, t *normalize.NormalizedTest, expectFail bool, attempt int) (Outcome, bool) {
	if err := e.mgr.EnterScope(ctx, discover.ScopeFunction, t.ModulePath+"::"+funcKey); err != nil {
		return Outcome{Test: t, Status: StatusError, Message: err.Error(), Attempts: attempt}, false
	}
	defer e.mgr.ExitScope(ctx, discover.ScopeFunction)

	start := time.Now()
	vals, err := e.resolveDeps(ctx, t)
	if err != nil {
		return Outcome{Test: t, Status: StatusError, Message: err.Error(), Attempts: attempt}, false
	}
	cr, err := e.proc.RunTest(ctx, t, vals)
	dur := time.Since(start)
	if err != nil {
		return Outcome{Test: t, Status: StatusError, Message: err.Error(), Duration: dur, Attempts: attempt}, false
	}
	if cr.Error == nil {
		status := StatusPass
		msg := ""
		if expectFail {
			status = StatusUnexpectedPass
			msg = "passed when expected to fail"
		}
		return Outcome{Test: t, Status: status, Message: msg, Stdout: cr.Stdout, Stderr: cr.Stderr, Duration: dur, Attempts: attempt}, false
	}
	if cr.Error.Type == "SkipError" {
		// A test body that raises karva.SkipError is skipped regardless of
		// expect_fail: skip and expect_fail classify mutually-exclusive
		// outcomes.
		return Outcome{Test: t, Status: StatusSkip, Message: cr.Error.Message, Stdout: cr.Stdout, Stderr: cr.Stderr, Duration: dur, Attempts: attempt}, false
	}
	status := StatusFail
	if expectFail {
		// An expected failure never triggers a retry.
		status = StatusExpectFail
	}
	o := Outcome{Test: t, Status: status, Message: cr.Error.Message, Stdout: cr.Stdout, Stderr: cr.Stderr, Duration: dur, Attempts: attempt}
	return o, status == StatusFail
}

// resolveDeps resolves every one of t's fixture dependencies, returning
// their values keyed by fixture name for binding to the test function's
// parameters.
func (e *Executor) resolveDeps(ctx context.Context, t *normalize.NormalizedTest) (map[string]interface{}, error) {
	vals := make(map[string]interface{}, len(t.Deps))
	for _, dep := range t.Deps {
		inst, err := e.mgr.Resolve(ctx, dep, nil)
		if err != nil {
			return nil, err
		}
		if inst.Status() != fixture.StatusGreen {
			return nil, inst.Err()
		}
		vals[dep.Def.Name] = inst.Value()
	}
	return vals, nil
}

// shouldSkip evaluates t's skip tag, if any: the test is skipped when
// every provided condition is truthy.
func (e *Executor) shouldSkip(ctx context.Context, t *normalize.NormalizedTest) (bool, string, error) {
	cond := t.Tags.Skip
	if cond == nil {
		return false, "", nil
	}
	truth, err := e.evalAllConditions(ctx, t.ModulePath, cond.Conditions)
	if err != nil {
		return false, "", err
	}
	return truth, cond.Reason, nil
}

// evalAllConditions reports whether every one of conds is truthy: both the
// skip quantifier and the expect_fail quantifier invert outcome exactly
// when all provided conditions are truthy. An empty condition list is
// always truthy.
func (e *Executor) evalAllConditions(ctx context.Context, modPath string, conds []pyast.Value) (bool, error) {
	for _, c := range conds {
		if c.Kind == pyast.KindBool {
			if !c.Bool {
				return false, nil
			}
			continue
		}
		truth, err := e.proc.EvalExpr(ctx, modPath, exprSource(c))
		if err != nil {
			return false, err
		}
		if !truth {
			return false, nil
		}
	}
	return true, nil
}

func exprSource(v pyast.Value) string {
	if v.Source != "" {
		return v.Source
	}
	return v.Repr()
}
