// Package partition shards a flat test list across worker processes.
// Sharding is by test-module boundary, round-robin, so that
// a single worker always owns an entire module's session/package/module-
// scoped fixtures rather than splitting them across workers.
package partition

import "github.com/MatthewMckee4/karva/internal/normalize"

// Shard groups the NormalizedTests assigned to one worker.
type Shard struct {
	WorkerID int
	Tests    []*normalize.NormalizedTest
}

// Partition splits tests into numWorkers shards, assigning whole modules
// round-robin so that module-scoped fixture state is never shared across
// worker processes.
func Partition(tests []*normalize.NormalizedTest, numWorkers int) []Shard {
	if numWorkers < 1 {
		numWorkers = 1
	}
	shards := make([]Shard, numWorkers)
	for i := range shards {
		shards[i].WorkerID = i
	}

	var order []string
	seen := map[string]int{}
	for _, t := range tests {
		if _, ok := seen[t.ModulePath]; !ok {
			seen[t.ModulePath] = len(order)
			order = append(order, t.ModulePath)
		}
	}

	byModule := map[string][]*normalize.NormalizedTest{}
	for _, t := range tests {
		byModule[t.ModulePath] = append(byModule[t.ModulePath], t)
	}

	for i, mod := range order {
		w := i % numWorkers
		shards[w].Tests = append(shards[w].Tests, byModule[mod]...)
	}
	return shards
}
