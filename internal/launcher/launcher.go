// Package launcher implements the launch sequence: ensure the isolated
// environment exists, activate it, sync the declared dependencies into it
// and run the main program, mirroring the program's exit code.
//
// The sequence is strictly linear. The only branch is the existence check
// in the first step; every failure before the program starts aborts the
// launch with the exit code of the failed step.
package launcher

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/bookfetch/internal/config"
	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/pyenv"
)

// Launcher runs the launch sequence for one configuration.
type Launcher struct {
	cfg *config.Config

	// Verbose streams tool output (venv, pip) instead of keeping it quiet.
	Verbose bool

	// Environ is the base environment for children. Defaults to os.Environ().
	Environ []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	logger *log.Logger
}

// Result describes what a Prepare call did.
type Result struct {
	// Activation is the activated environment, ready to run programs.
	Activation *pyenv.Activation

	// Created is true when this call created the environment directory.
	Created bool

	// Duration is the time spent preparing.
	Duration time.Duration
}

// New creates a Launcher for cfg wired to the process' standard streams.
func New(cfg *config.Config) *Launcher {
	return &Launcher{
		cfg:    cfg,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		logger: logging.For("launcher"),
	}
}

// SetLogger replaces the component logger.
func (l *Launcher) SetLogger(logger *log.Logger) {
	l.logger = logger
}

// Environment returns the environment the launcher manages.
func (l *Launcher) Environment() (*pyenv.Environment, error) {
	env, err := pyenv.New(l.cfg.Resolve(l.cfg.Launcher.EnvDir), l.cfg.Launcher.Python)
	if err != nil {
		return nil, err
	}
	env.Stdout = l.Stdout
	env.Stderr = l.Stderr
	env.SetLogger(l.logger)
	return env, nil
}

// Prepare runs the first three steps: ensure, activate and sync.
//
// The environment lock is held for the whole of Prepare so that concurrent
// launchers never create or sync the same directory at the same time. It is
// released before the program runs.
func (l *Launcher) Prepare(ctx context.Context) (*Result, error) {
	start := time.Now()

	env, err := l.Environment()
	if err != nil {
		return nil, err
	}

	unlock, err := env.Lock(ctx, l.cfg.LockTimeout())
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Step 1: ensure environment.
	created, err := env.Ensure(ctx)
	if err != nil {
		return nil, err
	}

	// Step 2: activate environment.
	base := l.Environ
	if base == nil {
		base = os.Environ()
	}
	act, err := env.Activate(base)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("environment activated", "dir", env.Dir, "python", act.Python)

	// Step 3: sync dependencies.
	if err := act.Sync(ctx, pyenv.SyncOptions{
		Requirements: l.cfg.Resolve(l.cfg.Launcher.Requirements),
		Verbose:      l.Verbose,
	}); err != nil {
		return nil, err
	}

	return &Result{Activation: act, Created: created, Duration: time.Since(start)}, nil
}

// Launch runs the full sequence and returns the program's exit code.
// A non-nil error means the program never ran; the error then carries the
// launcher exit code of the failed step.
func (l *Launcher) Launch(ctx context.Context) (int, error) {
	res, err := l.Prepare(ctx)
	if err != nil {
		return 0, err
	}
	l.logger.Debug("environment ready", "created", res.Created, "took", res.Duration.Round(time.Millisecond))

	// Step 4: run.
	code, err := res.Activation.Run(ctx, pyenv.RunOptions{
		Program: l.cfg.Resolve(l.cfg.Launcher.Program),
		Dir:     l.cfg.Launcher.BaseDir,
		Stdin:   l.Stdin,
		Stdout:  l.Stdout,
		Stderr:  l.Stderr,
	})
	if err != nil {
		return code, err
	}
	l.logger.Debug("program exited", "code", code)
	return code, nil
}
