package pyenv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/shinji-kodama/bookfetch/internal/model"
)

// Activation is the result of activating an environment: the interpreter to
// call and the process environment every child must be started with.
//
// It is the Go counterpart of sourcing bin/activate: VIRTUAL_ENV points at
// the environment, its bin directory is first on PATH and PYTHONHOME is
// removed so the base installation cannot leak in.
type Activation struct {
	// Env is the activated environment.
	Env *Environment

	// Python is the absolute path of the environment-local interpreter.
	Python string

	// Environ is the complete environment for child processes.
	Environ []string
}

// Activate computes the activation for an existing environment.
//
// The base environment is usually os.Environ(). Activate fails if the
// environment directory is missing or has no interpreter.
func (e *Environment) Activate(base []string) (*Activation, error) {
	exists, err := e.Exists()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.NewCLIError(model.ExitEnvironmentError,
			fmt.Sprintf("environment %s does not exist", e.Dir))
	}

	python := e.Python()
	if _, err := os.Stat(python); err != nil {
		return nil, model.WrapCLIError(model.ExitEnvironmentError,
			fmt.Sprintf("environment %s has no interpreter at %s (remove the directory to recreate it)", e.Dir, python), err)
	}

	return &Activation{
		Env:     e,
		Python:  python,
		Environ: activatedEnviron(base, e.Dir, e.BinDir()),
	}, nil
}

// activatedEnviron returns a copy of base with VIRTUAL_ENV set, binDir
// prepended to PATH and PYTHONHOME removed.
func activatedEnviron(base []string, envDir, binDir string) []string {
	out := make([]string, 0, len(base)+2)
	path := ""
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch {
		case envKeyEqual(key, "PATH"):
			path = value
		case envKeyEqual(key, "VIRTUAL_ENV"), envKeyEqual(key, "PYTHONHOME"):
			// dropped, replaced below
		default:
			out = append(out, kv)
		}
	}

	if path == "" {
		path = binDir
	} else {
		path = binDir + string(os.PathListSeparator) + path
	}
	return append(out, "VIRTUAL_ENV="+envDir, "PATH="+path)
}

// envKeyEqual compares environment variable names the way the OS does:
// case-insensitively on Windows, exactly elsewhere.
func envKeyEqual(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// withoutKey returns a copy of environ without entries for key.
func withoutKey(environ []string, key string) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		k, _, _ := strings.Cut(kv, "=")
		if !envKeyEqual(k, key) {
			out = append(out, kv)
		}
	}
	return out
}

// Command prepares the environment interpreter with args. The command runs
// with the activated environment and inherits nothing else.
func (a *Activation) Command(ctx context.Context, args ...string) *exec.Cmd {
	// #nosec G204 — the interpreter path is derived from the environment dir
	cmd := exec.CommandContext(ctx, a.Python, args...)
	cmd.Env = a.Environ
	return cmd
}

// SyncOptions controls Sync.
type SyncOptions struct {
	// Requirements is the path of the requirements declaration file.
	Requirements string

	// Verbose streams pip's output instead of keeping it for error reports.
	Verbose bool
}

// Sync installs or updates the packages listed in the requirements file
// with `python -m pip install -q -r <file>`.
//
// pip's output is buffered and only shown when it fails, unless Verbose is
// set. Any failure, including a missing or unreadable requirements file, is
// returned as a CLIError with ExitDependencySyncFailed.
func (a *Activation) Sync(ctx context.Context, opts SyncOptions) error {
	if err := checkReadable(opts.Requirements); err != nil {
		return model.WrapCLIError(model.ExitDependencySyncFailed,
			fmt.Sprintf("requirements file %s is not readable", opts.Requirements), err)
	}

	args := []string{"-m", "pip", "install", "--disable-pip-version-check"}
	if !opts.Verbose {
		args = append(args, "-q")
	}
	args = append(args, "-r", opts.Requirements)

	cmd := a.Command(ctx, args...)
	cmd.Dir = filepath.Dir(opts.Requirements)

	var captured bytes.Buffer
	if opts.Verbose {
		cmd.Stdout = a.Env.Stdout
		cmd.Stderr = a.Env.Stderr
	} else {
		cmd.Stdout = &captured
		cmd.Stderr = &captured
	}

	a.Env.logger.Debug("syncing dependencies", "requirements", opts.Requirements)
	if err := runInterruptible(cmd); err != nil {
		if tail := lastLines(captured.String(), 20); tail != "" {
			err = fmt.Errorf("%w\n%s", err, tail)
		}
		return model.WrapCLIError(model.ExitDependencySyncFailed, "failed to install dependencies", err)
	}
	return nil
}

// checkReadable verifies path is a regular file that can be opened.
func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// lastLines returns at most n trailing non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// RunOptions controls Run.
type RunOptions struct {
	// Program is the script passed to the interpreter.
	Program string

	// Dir is the working directory of the program.
	Dir string

	// Args are passed after the program path. The launcher passes none.
	Args []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes the program with the environment interpreter and waits for
// it. It returns the program's exit code; the error is non-nil only when the
// program could not be started or waited for.
//
// If ctx is cancelled the program receives an interrupt. A program that then
// dies from a signal, or exits 0 despite the interruption, is reported as
// model.ExitInterrupted. A program killed by a signal it did not get from
// us exits with 128 plus the signal number.
func (a *Activation) Run(ctx context.Context, opts RunOptions) (int, error) {
	if err := checkReadable(opts.Program); err != nil {
		return int(model.ExitProgramStartFailed), model.WrapCLIError(model.ExitProgramStartFailed,
			fmt.Sprintf("program %s is not readable", opts.Program), err)
	}

	args := append([]string{opts.Program}, opts.Args...)
	cmd := a.Command(ctx, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
		cmd.Env = append(withoutKey(a.Environ, "PWD"), "PWD="+opts.Dir)
	}
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	a.Env.logger.Debug("starting program", "python", a.Python, "program", opts.Program, "dir", opts.Dir)
	err := runInterruptible(cmd)
	return exitCode(ctx, cmd, err)
}

// exitCode translates the outcome of cmd.Run into a process exit code.
func exitCode(ctx context.Context, cmd *exec.Cmd, err error) (int, error) {
	if cmd.ProcessState == nil {
		// The process never started.
		if err == nil {
			err = errors.New("process did not start")
		}
		return int(model.ExitProgramStartFailed), model.WrapCLIError(model.ExitProgramStartFailed,
			fmt.Sprintf("failed to start %s", cmd.Path), err)
	}

	code := cmd.ProcessState.ExitCode()
	interrupted := ctx.Err() != nil
	switch {
	case code < 0:
		// Terminated by a signal.
		if interrupted {
			return int(model.ExitInterrupted), nil
		}
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			// Same convention as a shell: 128 + signal number.
			return 128 + int(ws.Signal()), nil
		}
		return int(model.ExitGeneralError), nil
	case code == 0 && interrupted:
		return int(model.ExitInterrupted), nil
	default:
		return code, nil
	}
}

// Packages lists the distributions installed in the environment using
// `python -m pip list --format=json`.
func (a *Activation) Packages(ctx context.Context) ([]model.Package, error) {
	cmd := a.Command(ctx, "-m", "pip", "list", "--format=json", "--disable-pip-version-check")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		message := "pip list failed"
		if s := strings.TrimSpace(stderr.String()); s != "" {
			message = fmt.Sprintf("%s: %s", message, s)
		}
		return nil, model.WrapCLIError(model.ExitEnvironmentError, message, err)
	}
	return ParsePackages(stdout.Bytes())
}

// ParsePackages decodes `pip list --format=json` output.
func ParsePackages(data []byte) ([]model.Package, error) {
	var pkgs []model.Package
	if err := json.Unmarshal(bytes.TrimSpace(data), &pkgs); err != nil {
		return nil, fmt.Errorf("decode pip list output: %w", err)
	}
	return pkgs, nil
}

// Installed reports whether a package named name (compared the way pip
// normalizes names) is in pkgs.
func Installed(pkgs []model.Package, name string) bool {
	want := NormalizeName(name)
	for _, p := range pkgs {
		if NormalizeName(p.Name) == want {
			return true
		}
	}
	return false
}

// NormalizeName applies the PEP 503 name normalization: lower case, with
// runs of "-", "_" and "." collapsed to "-".
func NormalizeName(name string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r == '-' || r == '_' || r == '.' {
			if !lastSep {
				b.WriteByte('-')
			}
			lastSep = true
			continue
		}
		lastSep = false
		b.WriteRune(r)
	}
	return b.String()
}
