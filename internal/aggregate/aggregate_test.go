package aggregate

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MatthewMckee4/karva/internal/resultscache"
)

func writeShard(t *testing.T, dir string, workerID int, recs ...resultscache.Record) {
	t.Helper()
	w, err := resultscache.NewWriter(dir, workerID)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAggregateOrdersByModulePathThenLineThenDisplayName(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 0,
		resultscache.Record{DisplayName: "test_b", ModulePath: "/proj/test_b.py", Line: 1, Status: "pass"},
		resultscache.Record{DisplayName: "test_a2", ModulePath: "/proj/test_a.py", Line: 10, Status: "pass"},
	)
	writeShard(t, dir, 1,
		resultscache.Record{DisplayName: "test_a1", ModulePath: "/proj/test_a.py", Line: 3, Status: "pass"},
	)

	sum, err := Aggregate(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"test_a1", "test_a2", "test_b"}
	got := make([]string, len(sum.Records))
	for i, r := range sum.Records {
		got[i] = r.DisplayName
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ordering mismatch (-want +got):\n%s", diff)
	}
}

func TestSummaryCounts(t *testing.T) {
	sum := &Summary{Records: []resultscache.Record{
		{Status: "pass"}, {Status: "pass"}, {Status: "fail"}, {Status: "skip"},
	}}
	want := map[string]int{"pass": 2, "fail": 1, "skip": 1}
	if diff := cmp.Diff(want, sum.Counts()); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestSummaryFailedCases(t *testing.T) {
	cases := []struct {
		name string
		sum  Summary
		want bool
	}{
		{"all passed", Summary{Records: []resultscache.Record{{Status: "pass"}}}, false},
		{"one failed", Summary{Records: []resultscache.Record{{Status: "pass"}, {Status: "fail"}}}, true},
		{"one error", Summary{Records: []resultscache.Record{{Status: "error"}}}, true},
		{"unexpected pass", Summary{Records: []resultscache.Record{{Status: "xpass"}}}, true},
		{"skip only", Summary{Records: []resultscache.Record{{Status: "skip"}}}, false},
		{"worker crash with no bad records", Summary{WorkerErrors: []WorkerError{{WorkerID: 0, Message: "crash"}}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.sum.Failed(); got != c.want {
				t.Errorf("Failed() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestRecordWorkerFailureSynthesizesMissingTests(t *testing.T) {
	dir := t.TempDir()
	// Worker 1 wrote one of its two assigned tests before crashing.
	writeShard(t, dir, 1, resultscache.Record{DisplayName: "test_done", ModulePath: "/proj/test_m.py", Line: 2, Status: "pass"})

	sum, err := Aggregate(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	sum.RecordWorkerFailure(1, "exit status 2", []ExpectedTest{
		{DisplayName: "test_done", ModulePath: "/proj/test_m.py", Line: 2},
		{DisplayName: "test_lost", ModulePath: "/proj/test_m.py", Line: 8},
	})

	if len(sum.WorkerErrors) != 1 || sum.WorkerErrors[0].WorkerID != 1 {
		t.Fatalf("worker errors = %+v", sum.WorkerErrors)
	}
	if len(sum.Records) != 2 {
		t.Fatalf("got %d records, want 2 (completed + synthesized): %+v", len(sum.Records), sum.Records)
	}
	var lost *resultscache.Record
	for i := range sum.Records {
		if sum.Records[i].DisplayName == "test_lost" {
			lost = &sum.Records[i]
		}
	}
	if lost == nil || lost.Status != "error" {
		t.Fatalf("expected test_lost synthesized as error, got %+v", sum.Records)
	}
}

func TestAggregateRecordsWorkerErrorForMissingShardIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	// Only worker 0 wrote a shard; workers 1 is simply absent (never ran),
	// which ReadShard treats as "no records", not a crash.
	writeShard(t, dir, 0, resultscache.Record{DisplayName: "test_a", Status: "pass"})

	sum, err := Aggregate(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.WorkerErrors) != 0 {
		t.Errorf("a worker that simply wrote no shard file should not be a WorkerError, got %+v", sum.WorkerErrors)
	}
	if len(sum.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(sum.Records))
	}
}
