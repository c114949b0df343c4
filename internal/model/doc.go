// Package model defines the domain types and value objects for the
// bookfetch CLI.
//
// This package contains pure data structures. The launcher keeps no state
// besides the environment directory, so the types here mostly serve the
// native fetcher: queue items, search results and history entries.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling,
// including the pass-through of the launched program's own exit code.
package model
