package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bookfetch/internal/config"
	"github.com/shinji-kodama/bookfetch/internal/launcher"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

// NewEnvCommand creates the "env" command group. It exposes the launch
// steps separately: inspect the environment, prepare it without running
// the program, or print where it lives.
func NewEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Inspect and prepare the Python environment",
		Long: `Inspect and prepare the isolated Python environment used by the launcher.

Examples:
  bookfetch env status
  bookfetch env sync
  bookfetch env path`,
		Args: cobra.NoArgs,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the environment and its installed packages",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEnvStatus(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Create the environment if needed and install the requirements",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEnvSync(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the environment directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEnvPath(cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

// envStatus is the JSON output of "env status".
type envStatus struct {
	BaseDir      string          `json:"baseDir"`
	Config       string          `json:"config,omitempty"`
	EnvDir       string          `json:"envDir"`
	Exists       bool            `json:"exists"`
	Python       string          `json:"python,omitempty"`
	Requirements string          `json:"requirements"`
	Program      string          `json:"program"`
	Packages     []model.Package `json:"packages"`
}

func runEnvStatus(ctx context.Context, w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	status, err := collectEnvStatus(ctx, cfg)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w, status)
	}
	printEnvStatusText(w, status)
	return nil
}

// collectEnvStatus describes the environment without creating or
// changing anything.
func collectEnvStatus(ctx context.Context, cfg *config.Config) (*envStatus, error) {
	l := launcher.New(cfg)
	env, err := l.Environment()
	if err != nil {
		return nil, err
	}
	exists, err := env.Exists()
	if err != nil {
		return nil, err
	}

	status := &envStatus{
		BaseDir:      cfg.Launcher.BaseDir,
		Config:       cfg.Path,
		EnvDir:       env.Dir,
		Exists:       exists,
		Requirements: cfg.Resolve(cfg.Launcher.Requirements),
		Program:      cfg.Resolve(cfg.Launcher.Program),
		Packages:     []model.Package{},
	}
	if !exists {
		return status, nil
	}

	act, err := env.Activate(os.Environ())
	if err != nil {
		return nil, err
	}
	status.Python = act.Python
	pkgs, err := act.Packages(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	status.Packages = pkgs
	return status, nil
}

func printEnvStatusText(w io.Writer, s *envStatus) {
	fmt.Fprintf(w, "Base directory: %s\n", s.BaseDir)
	if s.Config != "" {
		fmt.Fprintf(w, "Config:         %s\n", s.Config)
	}
	state := "missing"
	if s.Exists {
		state = "present"
	}
	fmt.Fprintf(w, "Environment:    %s (%s)\n", s.EnvDir, state)
	if s.Python != "" {
		fmt.Fprintf(w, "Python:         %s\n", s.Python)
	}
	fmt.Fprintf(w, "Requirements:   %s\n", s.Requirements)
	fmt.Fprintf(w, "Program:        %s\n", s.Program)

	if !s.Exists {
		fmt.Fprintln(w, "\nRun 'bookfetch env sync' to create it.")
		return
	}
	if len(s.Packages) == 0 {
		fmt.Fprintln(w, "\nNo packages installed.")
		return
	}

	rows := make([][]string, 0, len(s.Packages))
	for _, p := range s.Packages {
		rows = append(rows, []string{p.Name, p.Version})
	}
	fmt.Fprintln(w)
	printTable(w, []string{"PACKAGE", "VERSION"}, rows, nil)
}

// envSyncResult is the JSON output of "env sync".
type envSyncResult struct {
	EnvDir   string `json:"envDir"`
	Python   string `json:"python"`
	Created  bool   `json:"created"`
	Duration string `json:"duration"`
}

func runEnvSync(ctx context.Context, w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	l := launcher.New(cfg)
	l.Verbose = verbose
	// Keep stdout clean for JSON; tool output goes to stderr.
	if IsJSONOutput() {
		l.Stdout = os.Stderr
	}
	res, err := l.Prepare(ctx)
	if err != nil {
		return err
	}

	out := envSyncResult{
		EnvDir:   res.Activation.Env.Dir,
		Python:   res.Activation.Python,
		Created:  res.Created,
		Duration: res.Duration.Round(time.Millisecond).String(),
	}
	if IsJSONOutput() {
		return printJSON(w, out)
	}
	verb := "Synced"
	if out.Created {
		verb = "Created and synced"
	}
	fmt.Fprintf(w, "%s %s in %s\n", verb, out.EnvDir, out.Duration)
	return nil
}

func runEnvPath(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Resolve(cfg.Launcher.EnvDir)
	if IsJSONOutput() {
		return printJSON(w, map[string]string{"envDir": dir})
	}
	_, err = fmt.Fprintln(w, dir)
	return err
}
