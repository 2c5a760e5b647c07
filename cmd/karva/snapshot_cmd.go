package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/MatthewMckee4/karva/internal/command"
)

// snapshotCmd is a thin stub for "karva snapshot {accept|reject|pending|
// review}". Snapshot testing and its review TUI are external
// collaborators; this command only validates the subcommand shape and
// exit-code plumbing a full implementation would plug into.
type snapshotCmd struct{}

func (*snapshotCmd) Name() string { return "snapshot" }
func (*snapshotCmd) Synopsis() string {
	return "manage pending test snapshots"
}
func (*snapshotCmd) Usage() string {
	return `Usage: karva snapshot {accept|reject|pending|review}

Snapshot review is implemented by an external collaborator not covered by
this build of karva.
`
}
func (*snapshotCmd) SetFlags(*flag.FlagSet) {}

func (*snapshotCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	args := f.Args()
	if len(args) != 1 {
		printErr("%s", (&snapshotCmd{}).Usage())
		return subcommands.ExitUsageError
	}
	switch args[0] {
	case "accept", "reject", "pending", "review":
		fmt.Printf("snapshot %s: not implemented in this build\n", args[0])
		return subcommands.ExitStatus(command.ExitInvocation)
	default:
		printErr("unknown snapshot subcommand %q", args[0])
		return subcommands.ExitUsageError
	}
}
