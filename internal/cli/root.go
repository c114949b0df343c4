// Package cli implements the command-line interface for bookfetch using
// the cobra library.
//
// Invoked without a subcommand, bookfetch is the launcher: it prepares the
// isolated Python environment next to the binary, syncs the declared
// requirements and runs the main program with the process' standard
// streams, exiting with the program's own exit code.
//
// The subcommands expose the environment (env) and a native fetcher that
// talks to the IRC ebook channel directly (search, get, shell, history).
//
// Global flags available to all subcommands:
//
//	--dir       Base directory of the environment and program
//	--config    Configuration file (default: bookfetch.{toml,yaml,json} in --dir)
//	--json      Output in JSON format
//	--verbose   Enable debug logging and tool output
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bookfetch/internal/config"
	"github.com/shinji-kodama/bookfetch/internal/launcher"
	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

// Version information is injected at build time via ldflags.
// These variables are set by the main package before calling Execute.
//
// Example build command:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.date=2024-01-01"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Global flag values shared by all subcommands.
var (
	// jsonOutput controls whether output is formatted as JSON.
	jsonOutput bool

	// verbose enables debug logging and streams venv/pip output.
	verbose bool

	// baseDir overrides the directory the environment and program live in.
	baseDir string

	// configPath is an explicit configuration file.
	configPath string
)

// NewRootCommand creates and returns the root cobra command with all
// subcommands registered. The returned command runs the launcher.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bookfetch",
		Short: "Launch and drive the IRC ebook fetcher",
		Long: `bookfetch prepares an isolated Python environment next to itself,
installs the declared requirements into it and runs the fetcher program.
The program's exit code becomes bookfetch's exit code.

The subcommands inspect the environment and talk to the ebook channel
directly without the Python program.

Examples:
  bookfetch
  bookfetch --dir ~/fetcher
  bookfetch env status
  bookfetch search frank herbert dune
  bookfetch shell`,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		Args: cobra.NoArgs,

		// SilenceUsage prevents cobra from printing usage on every error.
		// We only want usage on actual usage errors, not runtime failures.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors itself.
		// We handle error output in Execute to support JSON error format.
		SilenceErrors: true,

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Configure(os.Stderr, verbose || logging.ParseDebug(os.Getenv("DEBUG")))
		},

		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "",
		"Base directory of the environment and program (default: $BOOKFETCH_HOME or the binary's directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Configuration file (default: bookfetch.{toml,yaml,yml,jsonc,json} in the base directory)")

	rootCmd.AddCommand(
		NewEnvCommand(),
		NewSearchCommand(),
		NewGetCommand(),
		NewShellCommand(),
		NewHistoryCommand(),
	)

	return rootCmd
}

// runLaunch runs the four-step launch sequence and turns a non-zero
// program exit code into a silent error carrying that code.
func runLaunch(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	VerboseLog("Base directory: %s", cfg.Launcher.BaseDir)

	l := launcher.New(cfg)
	l.Verbose = verbose
	code, err := l.Launch(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return model.ExitStatus(code)
	}
	return nil
}

// loadConfig resolves the base directory and loads the configuration.
func loadConfig() (*config.Config, error) {
	dir, err := resolveBaseDir(baseDir, os.Getenv, os.Executable)
	if err != nil {
		return nil, err
	}
	getenv := os.Getenv
	if strings.TrimSpace(baseDir) != "" {
		// --dir wins over BOOKFETCH_HOME.
		getenv = func(key string) string {
			if key == "BOOKFETCH_HOME" {
				return ""
			}
			return os.Getenv(key)
		}
	}
	cfg, err := config.Load(configPath, dir, getenv)
	if err != nil {
		return nil, err
	}
	// fetcher.debug (or DEBUG) from the loaded configuration takes effect
	// from here on.
	logging.Configure(os.Stderr, verbose || cfg.Fetcher.Debug)
	return cfg, nil
}

// resolveBaseDir picks the launcher base directory: the --dir flag, then
// BOOKFETCH_HOME, then the directory holding the (symlink-resolved)
// executable.
func resolveBaseDir(flag string, getenv func(string) string, executable func() (string, error)) (string, error) {
	dir := strings.TrimSpace(flag)
	if dir == "" {
		dir = strings.TrimSpace(getenv("BOOKFETCH_HOME"))
	}
	if dir == "" {
		exe, err := executable()
		if err != nil {
			return "", model.WrapCLIError(model.ExitGeneralError, "failed to locate the bookfetch binary", err)
		}
		if resolved, evalErr := filepath.EvalSymlinks(exe); evalErr == nil {
			exe = resolved
		}
		dir = filepath.Dir(exe)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", model.WrapCLIError(model.ExitGeneralError, "failed to resolve base directory", err)
	}
	return abs, nil
}

// Execute runs the root command.
// This is the main entry point called from main.go.
//
// SIGINT and SIGTERM cancel the command context; blocking steps pass the
// interrupt on to their child processes and return.
//
// If the command returns a CLIError, the process exits with the error's
// exit code. For other errors, it exits with ExitGeneralError (1).
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		if !cliErr.Silent() {
			printError(cliErr)
		}
		os.Exit(int(cliErr.Code))
	}

	// Non-CLIError errors (e.g., cobra argument validation errors).
	printError(&model.CLIError{
		Code:    model.ExitGeneralError,
		Message: err.Error(),
	})
	os.Exit(int(model.ExitGeneralError))
}

// printError outputs an error in text or JSON format depending on
// the --json flag. Errors always go to stderr.
func printError(cliErr *model.CLIError) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error":    cliErr.Message,
			"exitCode": int(cliErr.Code),
		}
		if cliErr.Err != nil {
			errObj["detail"] = cliErr.Err.Error()
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", cliErr.Error())
}

// VerboseLog logs a debug line from the CLI layer. It is only printed when
// --verbose (or DEBUG=true) is in effect.
func VerboseLog(format string, args ...interface{}) {
	logging.For("cli").Debugf(format, args...)
}

// IsJSONOutput returns whether JSON output mode is enabled.
// Subcommands use this to choose between text and JSON output.
func IsJSONOutput() bool {
	return jsonOutput
}
