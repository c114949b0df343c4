// Package pyenv manages the isolated Python environment the launcher runs
// its program in.
//
// All operations are performed via os/exec calls to the interpreter
// (`python -m venv`, `python -m pip`), the same way the shell bootstrap
// did it. Nothing here mutates the launcher's own process environment:
// activation is computed as an environment slice that is handed to every
// child process started afterwards.
//
// Design decisions:
//   - The environment directory is never recreated once it exists. A broken
//     environment is reported, not repaired.
//   - Every failure is wrapped in model.CLIError with the launcher exit code
//     for that step so the CLI layer can translate it directly.
package pyenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

// interpreterCandidates are looked up on PATH, in order, when no
// interpreter is configured.
var interpreterCandidates = []string{"python3", "python"}

// lockRetryDelay is how often a waiting launcher polls the lock file.
const lockRetryDelay = 100 * time.Millisecond

// waitDelay bounds how long a cancelled child may take to exit after being
// interrupted before it is killed.
const waitDelay = 10 * time.Second

// Environment describes an environment directory and the interpreter used
// to create it.
type Environment struct {
	// Dir is the absolute path of the environment directory.
	Dir string

	// Interpreter is the base interpreter used for `-m venv`. Empty means
	// the first of python3, python found on PATH.
	Interpreter string

	// Stdout and Stderr receive diagnostics of the tools run by this
	// package. They default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	logger *log.Logger
}

// New creates an Environment for dir. Relative dirs are made absolute.
func New(dir, interpreter string) (*Environment, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitEnvironmentError,
			fmt.Sprintf("invalid environment directory %q", dir), err)
	}
	return &Environment{
		Dir:         abs,
		Interpreter: interpreter,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		logger:      logging.For("pyenv"),
	}, nil
}

// SetLogger replaces the component logger.
func (e *Environment) SetLogger(l *log.Logger) {
	e.logger = l
}

// Exists reports whether the environment directory is present.
// A path that exists but is not a directory is an error: it would make
// `-m venv` fail in a confusing way later.
func (e *Environment) Exists() (bool, error) {
	info, err := os.Stat(e.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, model.WrapCLIError(model.ExitEnvironmentError,
			fmt.Sprintf("cannot inspect environment directory %s", e.Dir), err)
	}
	if !info.IsDir() {
		return false, model.NewCLIError(model.ExitEnvironmentError,
			fmt.Sprintf("environment path %s exists but is not a directory", e.Dir))
	}
	return true, nil
}

// Ensure creates the environment directory with `<interpreter> -m venv`
// unless it already exists. It returns true when the directory was created
// by this call.
func (e *Environment) Ensure(ctx context.Context) (bool, error) {
	exists, err := e.Exists()
	if err != nil {
		return false, err
	}
	if exists {
		e.logger.Debug("environment already present", "dir", e.Dir)
		return false, nil
	}

	interpreter, err := e.resolveInterpreter()
	if err != nil {
		return false, err
	}

	e.logger.Info("creating environment", "dir", e.Dir, "python", interpreter)

	// #nosec G204 — interpreter comes from configuration or PATH lookup
	cmd := exec.CommandContext(ctx, interpreter, "-m", "venv", e.Dir)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if err := runInterruptible(cmd); err != nil {
		// Leave no half-built directory behind so the next run retries the
		// creation instead of treating the remains as a finished environment.
		if exists, _ := e.Exists(); exists {
			_ = os.RemoveAll(e.Dir)
		}
		return false, model.WrapCLIError(model.ExitEnvironmentError,
			fmt.Sprintf("failed to create environment %s", e.Dir), err)
	}
	return true, nil
}

// resolveInterpreter returns the configured interpreter or the first
// candidate found on PATH.
func (e *Environment) resolveInterpreter() (string, error) {
	if e.Interpreter != "" {
		path, err := exec.LookPath(e.Interpreter)
		if err != nil {
			return "", model.WrapCLIError(model.ExitEnvironmentError,
				fmt.Sprintf("python interpreter %q not found", e.Interpreter), err)
		}
		return path, nil
	}
	for _, name := range interpreterCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", model.NewCLIError(model.ExitEnvironmentError,
		fmt.Sprintf("no python interpreter found on PATH (tried %s)", strings.Join(interpreterCandidates, ", ")))
}

// BinDir returns the directory holding the environment's executables.
func (e *Environment) BinDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(e.Dir, "Scripts")
	}
	return filepath.Join(e.Dir, "bin")
}

// Python returns the path of the environment-local interpreter.
func (e *Environment) Python() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(e.BinDir(), "python.exe")
	}
	return filepath.Join(e.BinDir(), "python")
}

// Lock takes an exclusive lock on <dir>.lock, waiting up to timeout for a
// concurrent launcher to finish. A zero timeout waits until ctx is done.
// The returned function releases the lock.
func (e *Environment) Lock(ctx context.Context, timeout time.Duration) (func(), error) {
	lockPath := e.Dir + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, model.WrapCLIError(model.ExitEnvironmentError,
			fmt.Sprintf("cannot create directory for lock %s", lockPath), err)
	}

	lockCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err == nil && !ok {
		e.logger.Info("waiting for another launcher to finish preparing the environment", "lock", lockPath)
		ok, err = fl.TryLockContext(lockCtx, lockRetryDelay)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.WrapCLIError(model.ExitInterrupted, "interrupted while waiting for environment lock", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.WrapCLIError(model.ExitLockTimeout,
				fmt.Sprintf("timed out after %s waiting for environment lock %s", timeout, lockPath), err)
		}
		return nil, model.WrapCLIError(model.ExitEnvironmentError,
			fmt.Sprintf("failed to acquire environment lock %s", lockPath), err)
	}
	if !ok {
		return nil, model.NewCLIError(model.ExitLockTimeout,
			fmt.Sprintf("timed out after %s waiting for environment lock %s", timeout, lockPath))
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			e.logger.Warn("failed to release environment lock", "lock", lockPath, "err", err)
		}
	}, nil
}

// runInterruptible runs cmd, asking it to stop with an interrupt instead of
// a kill when its context is cancelled, and killing it if it does not exit
// within waitDelay.
func runInterruptible(cmd *exec.Cmd) error {
	cmd.Cancel = func() error {
		if runtime.GOOS == "windows" {
			return cmd.Process.Kill()
		}
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = waitDelay
	return cmd.Run()
}
