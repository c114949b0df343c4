package pyenv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
	"github.com/shinji-kodama/bookfetch/internal/testsupport"
)

func newTestEnv(t *testing.T, python string) *Environment {
	t.Helper()
	env, err := New(filepath.Join(t.TempDir(), "venv"), python)
	require.NoError(t, err)
	env.Stdout = &strings.Builder{}
	env.Stderr = &strings.Builder{}
	env.SetLogger(logging.Discard())
	return env
}

func exitCodeOf(t *testing.T, err error) model.ExitCode {
	t.Helper()
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr), "expected CLIError, got %T: %v", err, err)
	return cliErr.Code
}

func TestActivatedEnviron(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX path list separator")
	}
	base := []string{
		"HOME=/home/reader",
		"PATH=/usr/bin:/bin",
		"PYTHONHOME=/opt/python",
		"VIRTUAL_ENV=/old/venv",
	}
	got := activatedEnviron(base, "/srv/app/venv", "/srv/app/venv/bin")

	assert.Contains(t, got, "HOME=/home/reader")
	assert.Contains(t, got, "VIRTUAL_ENV=/srv/app/venv")
	assert.Contains(t, got, "PATH=/srv/app/venv/bin:/usr/bin:/bin")
	for _, kv := range got {
		assert.False(t, strings.HasPrefix(kv, "PYTHONHOME="), "PYTHONHOME must be removed")
		assert.NotEqual(t, "VIRTUAL_ENV=/old/venv", kv)
	}

	// The base slice is not modified.
	assert.Equal(t, "PATH=/usr/bin:/bin", base[1])
}

func TestActivatedEnviron_NoPath(t *testing.T) {
	got := activatedEnviron(nil, "/e", "/e/bin")
	assert.Equal(t, []string{"VIRTUAL_ENV=/e", "PATH=/e/bin"}, got)
}

func TestWithoutKey(t *testing.T) {
	got := withoutKey([]string{"A=1", "PWD=/x", "B=2"}, "PWD")
	assert.Equal(t, []string{"A=1", "B=2"}, got)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"irc", "irc"},
		{"Jaraco.Text", "jaraco-text"},
		{"jaraco_text", "jaraco-text"},
		{"foo--bar__baz", "foo-bar-baz"},
		{"  Spaced  ", "spaced"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestParsePackages(t *testing.T) {
	pkgs, err := ParsePackages([]byte(`[{"name": "irc", "version": "20.4.0"}, {"name": "jaraco.text", "version": "3.12.0"}]` + "\n"))
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "irc", pkgs[0].Name)
	assert.Equal(t, "20.4.0", pkgs[0].Version)

	assert.True(t, Installed(pkgs, "Jaraco_Text"))
	assert.False(t, Installed(pkgs, "requests"))

	_, err = ParsePackages([]byte("not json"))
	assert.Error(t, err)
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "", lastLines("", 3))
	assert.Equal(t, "a\nb", lastLines("a\nb\n", 3))
	assert.Equal(t, "c\nd", lastLines("a\nb\nc\nd\n", 2))
}

func TestExists(t *testing.T) {
	env := newTestEnv(t, "")

	ok, err := env.Exists()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.MkdirAll(env.Dir, 0o755))
	ok, err = env.Exists()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExists_NotADirectory(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, os.WriteFile(env.Dir, []byte("file"), 0o644))

	_, err := env.Exists()
	require.Error(t, err)
	assert.Equal(t, model.ExitEnvironmentError, exitCodeOf(t, err))
}

func TestEnsure_CreatesOnce(t *testing.T) {
	python, logPath := testsupport.FakePython(t)
	env := newTestEnv(t, python)

	created, err := env.Ensure(context.Background())
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, env.Python())

	created, err = env.Ensure(context.Background())
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, 1, testsupport.CountPrefix(testsupport.Calls(t, logPath), "venv "))
}

func TestActivate_MissingInterpreter(t *testing.T) {
	env := newTestEnv(t, "")
	require.NoError(t, os.MkdirAll(env.Dir, 0o755))

	_, err := env.Activate(os.Environ())
	require.Error(t, err)
	assert.Equal(t, model.ExitEnvironmentError, exitCodeOf(t, err))
	assert.Contains(t, err.Error(), "remove the directory")
}

func TestActivate_MissingEnvironment(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.Activate(os.Environ())
	require.Error(t, err)
	assert.Equal(t, model.ExitEnvironmentError, exitCodeOf(t, err))
}

func TestLock_Timeout(t *testing.T) {
	env := newTestEnv(t, "")

	unlock, err := env.Lock(context.Background(), time.Second)
	require.NoError(t, err)
	defer unlock()

	_, err = env.Lock(context.Background(), 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, model.ExitLockTimeout, exitCodeOf(t, err))
}

func TestLock_Interrupted(t *testing.T) {
	env := newTestEnv(t, "")

	unlock, err := env.Lock(context.Background(), time.Second)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err = env.Lock(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, model.ExitInterrupted, exitCodeOf(t, err))
}

func TestLock_ReleasedCanBeRetaken(t *testing.T) {
	env := newTestEnv(t, "")

	unlock, err := env.Lock(context.Background(), time.Second)
	require.NoError(t, err)
	unlock()

	unlock, err = env.Lock(context.Background(), time.Second)
	require.NoError(t, err)
	unlock()
}

// TestSync_QuietAtInfo verifies a routine dependency sync prints nothing
// ahead of the program's own output unless debug logging is on.
func TestSync_QuietAtInfo(t *testing.T) {
	python, _ := testsupport.FakePython(t)
	env := newTestEnv(t, python)
	var logs strings.Builder
	env.SetLogger(log.NewWithOptions(&logs, log.Options{Level: log.InfoLevel}))
	_, err := env.Ensure(context.Background())
	require.NoError(t, err)
	act, err := env.Activate(os.Environ())
	require.NoError(t, err)

	requirements := filepath.Join(t.TempDir(), "requirements.txt")
	testsupport.WriteText(t, requirements, "requests\n")
	logs.Reset()
	require.NoError(t, act.Sync(context.Background(), SyncOptions{Requirements: requirements}))
	assert.Empty(t, logs.String())
}

func TestRun_ExitCodes(t *testing.T) {
	python, _ := testsupport.FakePython(t)
	env := newTestEnv(t, python)
	_, err := env.Ensure(context.Background())
	require.NoError(t, err)
	act, err := env.Activate(os.Environ())
	require.NoError(t, err)

	program := filepath.Join(t.TempDir(), "main.py")

	testsupport.WriteText(t, program, "exit 7\n")
	code, err := act.Run(context.Background(), RunOptions{Program: program})
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	testsupport.WriteText(t, program, "kill -TERM $$\n")
	code, err = act.Run(context.Background(), RunOptions{Program: program})
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code, "a signal death is reported the way a shell does")
}

func TestRun_Interrupted(t *testing.T) {
	python, _ := testsupport.FakePython(t)
	env := newTestEnv(t, python)
	_, err := env.Ensure(context.Background())
	require.NoError(t, err)
	act, err := env.Activate(os.Environ())
	require.NoError(t, err)

	program := filepath.Join(t.TempDir(), "main.py")
	testsupport.WriteText(t, program, "sleep 5\n")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	code, err := act.Run(ctx, RunOptions{Program: program})
	require.NoError(t, err)
	assert.Equal(t, int(model.ExitInterrupted), code)
}

func TestRun_ProgramNotReadable(t *testing.T) {
	python, _ := testsupport.FakePython(t)
	env := newTestEnv(t, python)
	_, err := env.Ensure(context.Background())
	require.NoError(t, err)
	act, err := env.Activate(os.Environ())
	require.NoError(t, err)

	code, err := act.Run(context.Background(), RunOptions{Program: filepath.Join(t.TempDir(), "missing.py")})
	require.Error(t, err)
	assert.Equal(t, int(model.ExitProgramStartFailed), code)
	assert.Equal(t, model.ExitProgramStartFailed, exitCodeOf(t, err))
}
