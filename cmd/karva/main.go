// Package main implements the karva executable: discovery, normalization,
// and execution of Python tests, dispatched through
// github.com/google/subcommands the way chromiumos/tast/core/cmd/tast's
// main.go registers its own subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&testCmd{}, "")
	subcommands.Register(&versionCmd{}, "")
	subcommands.Register(&snapshotCmd{}, "")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}

func printErr(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
