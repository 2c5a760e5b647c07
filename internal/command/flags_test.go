package command

import (
	"flag"
	"io"
	"testing"
)

func TestCountFlagRepeats(t *testing.T) {
	var n int
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(CountFlag{N: &n}, "v", "verbosity")
	if err := fs.Parse([]string{"-v", "-v", "-v"}); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestCountFlagExplicitValue(t *testing.T) {
	var n int
	f := CountFlag{N: &n}
	if err := f.Set("5"); err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
	if err := f.Set("bogus"); err == nil {
		t.Error("expected an error for a non-numeric value")
	}
}

func TestStringSliceFlagAccumulates(t *testing.T) {
	var vals []string
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(StringSliceFlag{Values: &vals}, "path", "repeatable path")
	if err := fs.Parse([]string{"-path", "a", "-path", "b"}); err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b"}
	if len(vals) != 2 || vals[0] != want[0] || vals[1] != want[1] {
		t.Errorf("values = %v, want %v", vals, want)
	}
	if got := (StringSliceFlag{Values: &vals}).String(); got != "a,b" {
		t.Errorf("String() = %q, want %q", got, "a,b")
	}
}

func TestWriteErrorUsesAttachedStatus(t *testing.T) {
	err := NewStatusErrorf(ExitWorkerCrashed, "worker %d died", 2)
	if got := WriteError(io.Discard, err); got != ExitWorkerCrashed {
		t.Errorf("status = %d, want %d", got, ExitWorkerCrashed)
	}
	if got := WriteError(io.Discard, flag.ErrHelp); got != ExitInvocation {
		t.Errorf("plain errors should map to ExitInvocation, got %d", got)
	}
}
