package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/MatthewMckee4/karva/internal/aggregate"
	"github.com/MatthewMckee4/karva/internal/resultscache"
)

func TestWriteFullIncludesFailureMessage(t *testing.T) {
	sum := &aggregate.Summary{Records: []resultscache.Record{
		{DisplayName: "test_one", Status: "pass"},
		{DisplayName: "test_two", Status: "fail", Message: "AssertionError: boom"},
	}}
	var buf bytes.Buffer
	Write(&buf, sum, Options{Format: Full})
	out := buf.String()
	if !strings.Contains(out, "test_one") || !strings.Contains(out, "test_two") {
		t.Fatalf("expected both test names in output, got:\n%s", out)
	}
	if !strings.Contains(out, "AssertionError: boom") {
		t.Fatalf("expected failure message in output, got:\n%s", out)
	}
	if !strings.Contains(out, "1 pass, 1 fail") {
		t.Fatalf("expected summary counts line, got:\n%s", out)
	}
}

func TestWriteConciseOneGlyphPerTest(t *testing.T) {
	sum := &aggregate.Summary{Records: []resultscache.Record{
		{DisplayName: "a", Status: "pass"},
		{DisplayName: "b", Status: "fail"},
		{DisplayName: "c", Status: "skip"},
	}}
	var buf bytes.Buffer
	Write(&buf, sum, Options{Format: Concise})
	lines := strings.SplitN(buf.String(), "\n", 2)
	if lines[0] != ".Fs" {
		t.Fatalf("glyph line = %q, want %q", lines[0], ".Fs")
	}
}

func TestWriteFullShowOutputIncludesCapturedStreams(t *testing.T) {
	sum := &aggregate.Summary{Records: []resultscache.Record{
		{DisplayName: "test_noisy", Status: "pass", Stdout: "setup done\n", Stderr: "warn: slow\n"},
	}}

	var buf bytes.Buffer
	Write(&buf, sum, Options{Format: Full})
	if strings.Contains(buf.String(), "setup done") {
		t.Fatalf("captured output should be hidden by default, got:\n%s", buf.String())
	}

	buf.Reset()
	Write(&buf, sum, Options{Format: Full, ShowOutput: true})
	out := buf.String()
	if !strings.Contains(out, "setup done") || !strings.Contains(out, "warn: slow") {
		t.Fatalf("expected captured stdout and stderr with ShowOutput, got:\n%s", out)
	}
}

func TestWriteReportsWorkerErrors(t *testing.T) {
	sum := &aggregate.Summary{WorkerErrors: []aggregate.WorkerError{{WorkerID: 2, Message: "exit status 1"}}}
	var buf bytes.Buffer
	Write(&buf, sum, Options{Format: Full})
	out := buf.String()
	if !strings.Contains(out, "worker 2 crashed") {
		t.Fatalf("expected worker crash line, got:\n%s", out)
	}
	if !strings.Contains(out, "1 worker error(s)") {
		t.Fatalf("expected worker error count in summary line, got:\n%s", out)
	}
}

func TestWriteEmptySummary(t *testing.T) {
	var buf bytes.Buffer
	Write(&buf, &aggregate.Summary{}, Options{Format: Full})
	if !strings.Contains(buf.String(), "no tests ran") {
		t.Fatalf("expected 'no tests ran', got:\n%s", buf.String())
	}
}
