// Package aggregate merges per-worker result shards into a single ordered
// report. Ordering and partial-failure handling
// mirror how tast's runner gathers results from multiple bundle
// invocations before producing its final report.
package aggregate

import (
	"sort"

	"github.com/MatthewMckee4/karva/internal/resultscache"
)

// Summary is the fully merged result of a run.
type Summary struct {
	Records      []resultscache.Record
	WorkerErrors []WorkerError
}

// WorkerError records that a worker's shard could not be fully read,
// typically because the worker process crashed.
type WorkerError struct {
	WorkerID int
	Message  string
}

// Aggregate reads every worker's shard file from dir and merges them,
// ordered by (module path, then source line, then display name so that
// parameter variants of the same test sort together).
func Aggregate(dir string, numWorkers int) (*Summary, error) {
	sum := &Summary{}
	for w := 0; w < numWorkers; w++ {
		recs, err := resultscache.ReadShard(dir, w)
		if err != nil {
			sum.WorkerErrors = append(sum.WorkerErrors, WorkerError{WorkerID: w, Message: err.Error()})
			continue
		}
		sum.Records = append(sum.Records, recs...)
	}
	sortRecords(sum.Records)
	return sum, nil
}

func sortRecords(recs []resultscache.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.ModulePath != b.ModulePath {
			return a.ModulePath < b.ModulePath
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.DisplayName < b.DisplayName
	})
}

// ExpectedTest identifies a test a worker was assigned, used to synthesize
// error records for tests a crashed worker never reported.
type ExpectedTest struct {
	DisplayName string
	ModulePath  string
	Line        int
}

// RecordWorkerFailure notes that workerID exited abnormally. Tests from
// expected that the worker never wrote a record for are added as errors
// carrying the worker's diagnostic, and the merged ordering is restored.
func (s *Summary) RecordWorkerFailure(workerID int, msg string, expected []ExpectedTest) {
	s.WorkerErrors = append(s.WorkerErrors, WorkerError{WorkerID: workerID, Message: msg})
	reported := make(map[string]bool, len(s.Records))
	for _, r := range s.Records {
		reported[r.DisplayName] = true
	}
	for _, e := range expected {
		if reported[e.DisplayName] {
			continue
		}
		s.Records = append(s.Records, resultscache.Record{
			DisplayName: e.DisplayName,
			ModulePath:  e.ModulePath,
			Line:        e.Line,
			Status:      "error",
			Message:     "worker exited abnormally: " + msg,
		})
	}
	sortRecords(s.Records)
}

// Counts tallies outcomes by status.
func (s *Summary) Counts() map[string]int {
	c := map[string]int{}
	for _, r := range s.Records {
		c[r.Status]++
	}
	return c
}

// Failed reports whether the run should be considered failed overall: any
// fail/error/unexpected-pass record, or any worker crash.
func (s *Summary) Failed() bool {
	if len(s.WorkerErrors) > 0 {
		return true
	}
	for _, r := range s.Records {
		switch r.Status {
		case "fail", "error", "xpass":
			return true
		}
	}
	return false
}
