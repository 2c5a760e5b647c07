// Package report renders an aggregate.Summary as a diagnostic report in
// either the "full" or "concise" format, the way karva's
// terminal output is configured via internal/config's Terminal.OutputFormat.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/MatthewMckee4/karva/internal/aggregate"
)

// Format selects the report's verbosity.
type Format string

const (
	Full    Format = "full"
	Concise Format = "concise"
)

// Options controls how a Summary is rendered.
type Options struct {
	Format Format
	// ShowOutput includes each test's captured Python stdout/stderr in the
	// full format.
	ShowOutput bool
}

// Write renders sum to w.
func Write(w io.Writer, sum *aggregate.Summary, opts Options) {
	switch opts.Format {
	case Concise:
		writeConcise(w, sum)
	default:
		writeFull(w, sum, opts.ShowOutput)
	}
}

func writeFull(w io.Writer, sum *aggregate.Summary, showOutput bool) {
	for _, r := range sum.Records {
		fmt.Fprintf(w, "%s %s\n", statusGlyph(r.Status), r.DisplayName)
		if r.Message != "" {
			writeIndented(w, r.Message)
		}
		if showOutput && r.Stdout != "" {
			fmt.Fprintln(w, "    --- stdout ---")
			writeIndented(w, r.Stdout)
		}
		if showOutput && r.Stderr != "" {
			fmt.Fprintln(w, "    --- stderr ---")
			writeIndented(w, r.Stderr)
		}
	}
	for _, we := range sum.WorkerErrors {
		fmt.Fprintf(w, "! worker %d crashed: %s\n", we.WorkerID, we.Message)
	}
	fmt.Fprintln(w)
	writeSummaryLine(w, sum)
}

func writeIndented(w io.Writer, text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(w, "    %s\n", line)
	}
}

func writeConcise(w io.Writer, sum *aggregate.Summary) {
	for _, r := range sum.Records {
		fmt.Fprint(w, statusGlyph(r.Status))
	}
	fmt.Fprintln(w)
	writeSummaryLine(w, sum)
}

func writeSummaryLine(w io.Writer, sum *aggregate.Summary) {
	counts := sum.Counts()
	order := []string{"pass", "fail", "skip", "xfail", "xpass", "error"}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(sum.WorkerErrors) > 0 {
		parts = append(parts, fmt.Sprintf("%d worker error(s)", len(sum.WorkerErrors)))
	}
	if len(parts) == 0 {
		parts = append(parts, "no tests ran")
	}
	fmt.Fprintln(w, strings.Join(parts, ", "))
}

func statusGlyph(status string) string {
	switch status {
	case "pass":
		return "."
	case "fail", "error":
		return "F"
	case "skip":
		return "s"
	case "xfail":
		return "x"
	case "xpass":
		return "X"
	default:
		return "?"
	}
}
