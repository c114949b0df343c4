// Package main is the entry point for the bookfetch CLI.
//
// Run without arguments, the binary is the launcher of the IRC ebook
// fetcher: it prepares the Python environment next to itself and runs the
// fetcher program in it. The subcommands defined in internal/cli talk to
// the channel natively.
//
// Build-time variables (version, commit, date) are injected via ldflags.
// During development, they default to "dev", "none", and "unknown".
package main

import (
	"github.com/shinji-kodama/bookfetch/internal/cli"
)

// version, commit, and date are set at build time via ldflags and shown
// by --version.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
