package resultscache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteReadShardRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	records := []Record{
		{DisplayName: "test_a", ModulePath: "/proj/test_a.py", Line: 3, Status: "pass", DurationMS: 12, Attempts: 1},
		{DisplayName: "test_b[x=1]", ModulePath: "/proj/test_b.py", Line: 9, Status: "fail", Message: "boom", Attempts: 2},
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadShard(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestReadShardMissingFileReturnsNoRecordsNoError(t *testing.T) {
	dir := t.TempDir()
	got, err := ReadShard(dir, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records for a missing shard file, got %+v", got)
	}
}

func TestReadShardDropsTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(Record{DisplayName: "test_whole", Status: "pass"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a worker crash mid-write: append a length prefix claiming
	// more bytes than actually follow.
	path := filepath.Join(dir, "1.results")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 100, 'x', 'y'}); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadShard(dir, 1)
	if err != nil {
		t.Fatalf("truncated trailing record should not be a read error: %v", err)
	}
	if len(got) != 1 || got[0].DisplayName != "test_whole" {
		t.Fatalf("expected only the complete leading record to survive, got %+v", got)
	}
}

func TestWriteReadMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Meta{
		RunID:       "run-123",
		NumWorkers:  3,
		StartedUnix: 1700000000,
		Shards:      map[int][]string{0: {"/proj/test_a.py"}, 1: {"/proj/test_b.py"}},
	}
	if err := WriteMeta(dir, m); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMeta(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}
}
