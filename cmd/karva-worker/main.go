// Command karva-worker is the worker subprocess spawned by `karva test`
// when running with more than one worker. It discovers the
// full project tree rooted at -project-root (so conftest chains resolve
// correctly), restricts itself to the module paths given as positional
// arguments, runs them against its own embedded Python bridge process, and
// appends its results to the run's shared cache directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/MatthewMckee4/karva/internal/command"
	"github.com/MatthewMckee4/karva/internal/config"
	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/logging"
	"github.com/MatthewMckee4/karva/internal/normalize"
	"github.com/MatthewMckee4/karva/internal/resultscache"
	"github.com/MatthewMckee4/karva/internal/runner"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		runID            string
		workerID         int
		cacheDir         string
		projectRoot      string
		testPrefix       string
		failFast         bool
		retry            int
		tryImportFixture bool
		pythonExe        string
	)

	fs := flag.NewFlagSet("karva-worker", flag.ContinueOnError)
	fs.StringVar(&runID, "run-id", "", "run identifier shared with the parent process")
	fs.IntVar(&workerID, "worker-id", 0, "this worker's shard index")
	fs.StringVar(&cacheDir, "cache", "", "run cache directory to append results to")
	fs.StringVar(&projectRoot, "project-root", "", "project root to discover from (defaults to the working directory)")
	fs.StringVar(&testPrefix, "test-prefix", "", "prefix identifying test functions")
	fs.BoolVar(&failFast, "fail-fast", false, "stop this worker's shard after the first non-expected failure")
	fs.IntVar(&retry, "retry", 0, "number of additional attempts for a failed test")
	fs.BoolVar(&tryImportFixture, "try-import-fixtures", false, "import test modules before using AST-inferred fixture lists")
	fs.StringVar(&pythonExe, "python", "", "python3 interpreter to embed (default python3)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return command.ExitInvocation
	}

	if cacheDir == "" || runID == "" {
		fmt.Fprintln(os.Stderr, "karva-worker: -run-id and -cache are required")
		return command.ExitInvocation
	}
	if projectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return command.ExitInvocation
		}
		projectRoot = wd
	}

	// The parent process hands its own resolved config file down through
	// KARVA_CONFIG_FILE; flags it passed explicitly still win.
	cfg, err := config.Load(config.Resolve(""))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return command.ExitInvocation
	}
	if testPrefix == "" {
		testPrefix = cfg.Test.TestFunctionPrefix
	}
	if !failFast {
		failFast = cfg.Test.FailFast
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	logger := logging.NewSimple(os.Stderr, true, false)
	ctx = logging.NewContext(ctx, func(msg string) {
		logger.Log(logging.LevelInfo, time.Now(), fmt.Sprintf("worker %d: %s", workerID, msg))
	})

	shardModules := map[string]bool{}
	for _, p := range fs.Args() {
		shardModules[p] = true
	}

	opts := runner.Options{
		ProjectRoot:      projectRoot,
		TestPrefix:       testPrefix,
		Ignore:           discover.NeverIgnore,
		TryImportFixture: tryImportFixture,
		FailFast:         failFast,
		Retry:            retry,
		PythonExe:        pythonExe,
	}

	sessionKey := fmt.Sprintf("%s-worker-%d", runID, workerID)
	keep := func(t *normalize.NormalizedTest) bool { return shardModules[t.ModulePath] }
	outcomes, collectErrs, err := runner.Run(ctx, sessionKey, opts, keep)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return command.ExitWorkerCrashed
	}

	w, err := resultscache.NewWriter(cacheDir, workerID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return command.ExitWorkerCrashed
	}
	defer w.Close()

	for _, rec := range runner.ToRecords(outcomes, filterCollectionErrs(collectErrs, shardModules)) {
		if err := w.Write(rec); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return command.ExitWorkerCrashed
		}
	}
	return command.ExitSuccess
}

// filterCollectionErrs keeps the collection errors located in this
// worker's own shard modules; errors elsewhere in the tree (conftest.py
// files included) are reported once by the main process instead of once
// per worker.
func filterCollectionErrs(errs []discover.CollectionError, shardModules map[string]bool) []discover.CollectionError {
	var out []discover.CollectionError
	for _, e := range errs {
		if shardModules[e.Loc.Path] {
			out = append(out, e)
		}
	}
	return out
}
