package partition

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MatthewMckee4/karva/internal/normalize"
)

func test(modPath, name string) *normalize.NormalizedTest {
	return &normalize.NormalizedTest{ModulePath: modPath, DisplayName: name}
}

func displayNames(tests []*normalize.NormalizedTest) []string {
	names := make([]string, len(tests))
	for i, t := range tests {
		names[i] = t.DisplayName
	}
	return names
}

func TestPartitionKeepsWholeModuleInOneShard(t *testing.T) {
	tests := []*normalize.NormalizedTest{
		test("/proj/test_a.py", "test_a_one"),
		test("/proj/test_a.py", "test_a_two"),
		test("/proj/test_b.py", "test_b_one"),
	}
	shards := Partition(tests, 2)
	if len(shards) != 2 {
		t.Fatalf("got %d shards, want 2", len(shards))
	}
	// test_a.py's two tests must land in the same shard as each other.
	var aShard = -1
	for _, s := range shards {
		for _, nt := range s.Tests {
			if nt.ModulePath == "/proj/test_a.py" {
				if aShard == -1 {
					aShard = s.WorkerID
				} else if aShard != s.WorkerID {
					t.Fatalf("test_a.py's tests were split across shards %d and %d", aShard, s.WorkerID)
				}
			}
		}
	}
	if aShard == -1 {
		t.Fatal("test_a.py's tests were not assigned to any shard")
	}
}

func TestPartitionRoundRobinsModulesByFirstAppearance(t *testing.T) {
	tests := []*normalize.NormalizedTest{
		test("/proj/test_a.py", "test_a"),
		test("/proj/test_b.py", "test_b"),
		test("/proj/test_c.py", "test_c"),
	}
	shards := Partition(tests, 3)
	want := [][]string{{"test_a"}, {"test_b"}, {"test_c"}}
	for i, shard := range shards {
		if diff := cmp.Diff(want[i], displayNames(shard.Tests)); diff != "" {
			t.Errorf("shard %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestPartitionSingleWorkerGetsEverything(t *testing.T) {
	tests := []*normalize.NormalizedTest{
		test("/proj/test_a.py", "test_a"),
		test("/proj/test_b.py", "test_b"),
	}
	shards := Partition(tests, 0) // numWorkers < 1 clamps to 1
	if len(shards) != 1 {
		t.Fatalf("got %d shards, want 1", len(shards))
	}
	want := []string{"test_a", "test_b"}
	if diff := cmp.Diff(want, displayNames(shards[0].Tests)); diff != "" {
		t.Errorf("shard mismatch (-want +got):\n%s", diff)
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	shards := Partition(nil, 4)
	if len(shards) != 4 {
		t.Fatalf("got %d shards, want 4", len(shards))
	}
	for _, s := range shards {
		if len(s.Tests) != 0 {
			t.Errorf("shard %d: got %d tests, want 0", s.WorkerID, len(s.Tests))
		}
	}
}
