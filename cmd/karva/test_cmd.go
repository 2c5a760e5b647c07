package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/MatthewMckee4/karva/internal/aggregate"
	"github.com/MatthewMckee4/karva/internal/command"
	"github.com/MatthewMckee4/karva/internal/config"
	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/logging"
	"github.com/MatthewMckee4/karva/internal/normalize"
	"github.com/MatthewMckee4/karva/internal/partition"
	"github.com/MatthewMckee4/karva/internal/report"
	"github.com/MatthewMckee4/karva/internal/resultscache"
	"github.com/MatthewMckee4/karva/internal/runner"
)

// testCmd implements `karva test`.
type testCmd struct {
	testPrefix       string
	failFast         bool
	noIgnore         bool
	noParallel       bool
	numWorkers       int
	retry            int
	tryImportFixture bool
	verbose          int
	quiet            bool
	color            string
	outputFormat     string
	configFile       string
	pythonExe        string
}

func (*testCmd) Name() string     { return "test" }
func (*testCmd) Synopsis() string { return "discover and run tests" }
func (*testCmd) Usage() string {
	return `Usage: karva test [flags] [paths...]

paths may be files, directories, or "path::function" selectors.
`
}

func (c *testCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.testPrefix, "test-prefix", "", "prefix identifying test functions (default from config, else \"test\")")
	f.BoolVar(&c.failFast, "fail-fast", false, "stop after the first non-expected failure")
	f.BoolVar(&c.noIgnore, "no-ignore", false, "do not apply the built-in ignore-directory list")
	f.BoolVar(&c.noParallel, "no-parallel", false, "run all tests in the main process")
	f.IntVar(&c.numWorkers, "num-workers", 0, "number of worker processes (0 = GOMAXPROCS)")
	f.IntVar(&c.retry, "retry", 0, "number of additional attempts for a failed test")
	f.BoolVar(&c.tryImportFixture, "try-import-fixtures", false, "import test modules before using AST-inferred fixture lists")
	f.Var(command.CountFlag{N: &c.verbose}, "v", "increase verbosity (repeatable)")
	f.BoolVar(&c.quiet, "q", false, "suppress non-essential output")
	f.StringVar(&c.color, "color", "auto", "color mode: auto|always|never (accepted; output is not colorized)")
	f.StringVar(&c.outputFormat, "output-format", "", "full|concise (default from config, else full)")
	f.StringVar(&c.configFile, "config-file", "", "path to a karva TOML config file")
	f.StringVar(&c.pythonExe, "python", "", "python3 interpreter to embed (default python3)")
}

func (c *testCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	status, err := c.run(ctx, f.Args())
	if err != nil {
		// Attach the status run chose so WriteError surfaces the right exit
		// code instead of defaulting to an invocation error.
		return subcommands.ExitStatus(command.WriteError(os.Stderr, command.NewStatusErrorf(status, "%v", err)))
	}
	return subcommands.ExitStatus(status)
}

func (c *testCmd) run(ctx context.Context, paths []string) (int, error) {
	cfgPath := config.Resolve(c.configFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return command.ExitInvocation, err
	}
	c.applyConfigDefaults(cfg)

	logger := logging.NewSimple(os.Stderr, c.verbose > 0, c.verbose > 0)
	ctx = logging.NewContext(ctx, func(msg string) {
		if !c.quiet {
			logger.Log(logging.LevelInfo, time.Now(), msg)
		}
	})

	projectRoot, err := os.Getwd()
	if err != nil {
		return command.ExitInvocation, err
	}

	if len(paths) == 0 {
		// With no positional paths, the config's [src] include list names
		// what to run; ResolveTargets falls back to "." if that is empty too.
		paths = cfg.Src.Include
	}
	targets, err := discover.ResolveTargets(projectRoot, paths)
	if err != nil {
		return command.ExitInvocation, err
	}

	ignore := defaultIgnore
	if c.noIgnore || !cfg.Src.RespectIgnoreFiles {
		ignore = discover.NeverIgnore
	}

	opts := runner.Options{
		ProjectRoot:      projectRoot,
		TestPrefix:       c.testPrefix,
		Ignore:           ignore,
		TryImportFixture: c.tryImportFixture,
		FailFast:         c.failFast,
		Retry:            c.retry,
		PythonExe:        c.pythonExe,
	}

	result, err := runner.Discover(opts)
	if err != nil {
		return command.ExitInvocation, err
	}
	tests := filterByTargets(result.Tests, targets)

	numWorkers := c.numWorkers
	if c.noParallel {
		numWorkers = 1
	} else if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	cacheDir, err := os.MkdirTemp("", "karva-cache-")
	if err != nil {
		return command.ExitInvocation, err
	}
	defer os.RemoveAll(cacheDir)
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	runDir := filepath.Join(cacheDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return command.ExitInvocation, err
	}

	shards := partition.Partition(tests, numWorkers)
	meta := resultscache.Meta{
		RunID:       runID,
		NumWorkers:  numWorkers,
		StartedUnix: time.Now().Unix(),
		Shards:      shardManifest(shards),
	}
	if err := resultscache.WriteMeta(runDir, meta); err != nil {
		return command.ExitInvocation, err
	}

	var sum *aggregate.Summary
	if numWorkers <= 1 {
		if err := c.runInProcess(ctx, runDir, targets, opts); err != nil {
			return command.ExitInvocation, err
		}
		sum, err = aggregate.Aggregate(runDir, 1)
		if err != nil {
			return command.ExitInvocation, err
		}
	} else {
		failures := c.runWorkers(ctx, runDir, runID, projectRoot, shards, cfgPath)
		// Workers report collection errors located in their own shard
		// modules; errors located elsewhere (conftest.py files, unassigned
		// modules) belong to no shard, so the main process persists them
		// itself as a pseudo-shard past the last worker ID.
		if err := writeCollectionErrors(runDir, numWorkers, unshardedErrors(result.Errors, shards)); err != nil {
			return command.ExitInvocation, err
		}
		sum, err = aggregate.Aggregate(runDir, numWorkers+1)
		if err != nil {
			return command.ExitInvocation, err
		}
		for _, shard := range shards {
			werr, failed := failures[shard.WorkerID]
			if !failed {
				continue
			}
			sum.RecordWorkerFailure(shard.WorkerID, werr.Error(), expectedTests(shard))
		}
	}

	if !c.quiet {
		report.Write(os.Stdout, sum, report.Options{
			Format:     report.Format(c.outputFormat),
			ShowOutput: cfg.Terminal.ShowPythonOutput,
		})
	}
	if len(sum.WorkerErrors) > 0 {
		return command.ExitWorkerCrashed, nil
	}
	if sum.Failed() {
		return command.ExitTestsFailed, nil
	}
	return command.ExitSuccess, nil
}

func expectedTests(shard partition.Shard) []aggregate.ExpectedTest {
	out := make([]aggregate.ExpectedTest, 0, len(shard.Tests))
	for _, t := range shard.Tests {
		out = append(out, aggregate.ExpectedTest{
			DisplayName: t.DisplayName,
			ModulePath:  t.ModulePath,
			Line:        t.Def.Loc.Line,
		})
	}
	return out
}

func unshardedErrors(errs []discover.CollectionError, shards []partition.Shard) []discover.CollectionError {
	owned := map[string]bool{}
	for _, s := range shards {
		for _, t := range s.Tests {
			owned[t.ModulePath] = true
		}
	}
	var out []discover.CollectionError
	for _, e := range errs {
		if !owned[e.Loc.Path] {
			out = append(out, e)
		}
	}
	return out
}

func writeCollectionErrors(runDir string, shardID int, errs []discover.CollectionError) error {
	if len(errs) == 0 {
		return nil
	}
	w, err := resultscache.NewWriter(runDir, shardID)
	if err != nil {
		return err
	}
	defer w.Close()
	for _, rec := range runner.ToRecords(nil, errs) {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *testCmd) applyConfigDefaults(cfg *config.Config) {
	if c.testPrefix == "" {
		c.testPrefix = cfg.Test.TestFunctionPrefix
	}
	if !c.failFast {
		c.failFast = cfg.Test.FailFast
	}
	if c.outputFormat == "" {
		c.outputFormat = cfg.Terminal.OutputFormat
	}
}

// runInProcess runs the whole (unsharded) test set in the main process,
// writing its single worker-0 shard file so the aggregation path below is
// identical whether or not workers were spawned.
func (c *testCmd) runInProcess(ctx context.Context, runDir string, targets []discover.Target, opts runner.Options) error {
	keep := func(t *normalize.NormalizedTest) bool { return matchesTargets(targets, t) }
	outcomes, collectErrs, err := runner.Run(ctx, "session-0", opts, keep)
	if err != nil {
		return err
	}
	w, err := resultscache.NewWriter(runDir, 0)
	if err != nil {
		return err
	}
	defer w.Close()
	for _, rec := range runner.ToRecords(outcomes, collectErrs) {
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// runWorkers spawns one karva-worker subprocess per non-empty shard and
// waits for all of them, returning the per-worker error for each that
// exited abnormally. One worker's failure does not stop its siblings:
// every worker's partial results file is still aggregated, and the failed
// worker's unreported tests are surfaced as errors afterwards. Fail-fast
// is cooperative per-worker only: each worker stops enumerating its own
// shard on the first non-expected failure, but the main process does not
// hard-kill sibling workers, since they own no state the main process can
// safely reason about beyond their own results file.
func (c *testCmd) runWorkers(ctx context.Context, runDir, runID, projectRoot string, shards []partition.Shard, cfgPath string) map[int]error {
	failures := map[int]error{}
	workerBin, err := findWorkerBinary()
	if err != nil {
		for _, shard := range shards {
			if len(shard.Tests) > 0 {
				failures[shard.WorkerID] = err
			}
		}
		return failures
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		shard := shard
		if len(shard.Tests) == 0 {
			continue
		}
		g.Go(func() error {
			if err := c.runWorker(gctx, workerBin, runDir, runID, projectRoot, cfgPath, shard); err != nil {
				mu.Lock()
				failures[shard.WorkerID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failures
}

func (c *testCmd) runWorker(ctx context.Context, workerBin, runDir, runID, projectRoot, cfgPath string, shard partition.Shard) error {
	args := []string{
		"--run-id", runID,
		"--worker-id", fmt.Sprintf("%d", shard.WorkerID),
		"--cache", runDir,
		"--project-root", projectRoot,
		"--test-prefix", c.testPrefix,
		"--retry", fmt.Sprintf("%d", c.retry),
	}
	if c.failFast {
		args = append(args, "--fail-fast")
	}
	if c.tryImportFixture {
		args = append(args, "--try-import-fixtures")
	}
	if c.pythonExe != "" {
		args = append(args, "--python", c.pythonExe)
	}
	args = append(args, distinctModulePaths(shard.Tests)...)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, workerBin, args...)
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)
	cmd.Env = os.Environ()
	if cfgPath != "" {
		cmd.Env = append(cmd.Env, "KARVA_CONFIG_FILE="+cfgPath)
	}
	// A cancelled context (SIGINT at the main process) asks the worker to
	// unwind cooperatively rather than killing it outright.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		if tail := lastLines(stderr.String(), 5); tail != "" {
			return fmt.Errorf("%v: %s", err, tail)
		}
		return err
	}
	return nil
}

// lastLines returns the last n non-empty lines of s joined by "; ", used
// to attach a crashed worker's stderr tail to its diagnostic.
func lastLines(s string, n int) string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}

func findWorkerBinary() (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "karva-worker")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return exec.LookPath("karva-worker")
}

// shardManifest records which module paths each worker owns, for meta.json.
func shardManifest(shards []partition.Shard) map[int][]string {
	out := make(map[int][]string, len(shards))
	for _, s := range shards {
		out[s.WorkerID] = distinctModulePaths(s.Tests)
	}
	return out
}

func distinctModulePaths(tests []*normalize.NormalizedTest) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tests {
		if seen[t.ModulePath] {
			continue
		}
		seen[t.ModulePath] = true
		out = append(out, t.ModulePath)
	}
	return out
}

func matchesTargets(targets []discover.Target, t *normalize.NormalizedTest) bool {
	if len(targets) == 0 {
		return true
	}
	for _, tg := range targets {
		if tg.Matches(t.ModulePath, t.Def.Name) {
			return true
		}
	}
	return false
}

func filterByTargets(tests []*normalize.NormalizedTest, targets []discover.Target) []*normalize.NormalizedTest {
	var out []*normalize.NormalizedTest
	for _, t := range tests {
		if matchesTargets(targets, t) {
			out = append(out, t)
		}
	}
	return out
}
