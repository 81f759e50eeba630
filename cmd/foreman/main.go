// Command foreman drives the parallel issue orchestrator: it scans an
// issue backlog, schedules work across dependency waves, runs issues
// through isolated git worktrees, and reintegrates finished work into
// trunk via a sequential merge coordinator.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "--version", "-v", "version":
		fmt.Println("foreman", version)
		return 0
	case "--help", "-h", "help":
		printUsage()
		return 0
	case "run":
		return runCommand(runRunCommand, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "foreman: unknown command %q\n", args[0])
		printUsage()
		return 1
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "foreman: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: foreman <command> [flags]

commands:
  run       scan the issue backlog and process it to completion
  version   print the build version
  help      show this message`)
}
