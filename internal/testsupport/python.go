// Package testsupport holds helpers shared by package tests: a fake Python
// interpreter for exercising the launcher without a real Python install,
// and a project layout builder.
package testsupport

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/shinji-kodama/bookfetch/internal/config"
)

// fakePythonScript behaves like just enough of a Python interpreter:
//
//	-m venv DIR          creates DIR/bin/python (a copy of itself)
//	-m pip install ... -r FILE
//	                     "installs" every requirement line as a marker file
//	                     in $VIRTUAL_ENV/site-packages; a line containing
//	                     "!!" is rejected as malformed
//	-m pip list ...      prints the markers in pip's JSON format
//	PROGRAM              runs PROGRAM with /bin/sh
//
// Every invocation appends one line to $FAKE_PY_LOG so tests can see what
// was called and how often.
const fakePythonScript = `#!/bin/sh
log="${FAKE_PY_LOG:-/dev/null}"
if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then
  if [ -n "$FAKE_VENV_FAIL" ]; then
    echo "Error: venv creation failed" >&2
    exit 1
  fi
  if [ -n "$FAKE_VENV_SLEEP" ]; then
    sleep "$FAKE_VENV_SLEEP"
  fi
  mkdir -p "$3/bin" || exit 1
  cp "$0" "$3/bin/python" || exit 1
  chmod +x "$3/bin/python"
  echo "venv $3" >> "$log"
  exit 0
fi
if [ "$1" = "-m" ] && [ "$2" = "pip" ] && [ "$3" = "install" ]; then
  req=""
  while [ $# -gt 0 ]; do
    if [ "$1" = "-r" ]; then req="$2"; fi
    shift
  done
  site="$VIRTUAL_ENV/site-packages"
  mkdir -p "$site" || exit 1
  while IFS= read -r line || [ -n "$line" ]; do
    case "$line" in
      ''|'#'*) continue ;;
      *'!!'*) echo "ERROR: Invalid requirement: '$line'" >&2; exit 1 ;;
    esac
    name=$(echo "$line" | sed 's/[=<>~].*//')
    echo "$line" > "$site/$name"
  done < "$req"
  echo "pip install $req" >> "$log"
  exit 0
fi
if [ "$1" = "-m" ] && [ "$2" = "pip" ] && [ "$3" = "list" ]; then
  printf '['
  sep=''
  for f in "$VIRTUAL_ENV"/site-packages/*; do
    [ -e "$f" ] || continue
    printf '%s{"name": "%s", "version": "1.0"}' "$sep" "$(basename "$f")"
    sep=', '
  done
  printf ']\n'
  exit 0
fi
echo "run $1" >> "$log"
exec /bin/sh "$@"
`

// SkipWithoutShell skips the test on platforms where the fake interpreter
// cannot run.
func SkipWithoutShell(t testing.TB) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake python interpreter requires a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// FakePython writes the fake interpreter into a fresh directory and returns
// its path together with the log file it appends to. FAKE_PY_LOG is set for
// the duration of the test.
func FakePython(t testing.TB) (python, logPath string) {
	t.Helper()
	SkipWithoutShell(t)

	dir := t.TempDir()
	python = filepath.Join(dir, "python3")
	if err := os.WriteFile(python, []byte(fakePythonScript), 0o755); err != nil {
		t.Fatalf("write fake python: %v", err)
	}
	logPath = filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_PY_LOG", logPath)
	return python, logPath
}

// Calls returns the lines logged by the fake interpreter.
func Calls(t testing.TB, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read %s: %v", logPath, err)
	}
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// CountPrefix counts the lines in calls starting with prefix.
func CountPrefix(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Project is a launcher base directory with a requirements file and a
// program, plus the configuration pointing at them.
type Project struct {
	Dir    string
	Config *config.Config
}

// NewProject creates a base directory containing requirements.txt with
// the given lines and main.py with the given shell body, and a config that
// uses python as the base interpreter.
func NewProject(t testing.TB, python string, requirements []string, program string) *Project {
	t.Helper()

	dir := t.TempDir()
	WriteText(t, filepath.Join(dir, "requirements.txt"), strings.Join(requirements, "\n")+"\n")
	WriteText(t, filepath.Join(dir, "main.py"), program)

	cfg := config.Default()
	cfg.Launcher.BaseDir = dir
	cfg.Launcher.Python = python
	cfg.Launcher.LockTimeoutSeconds = 30
	return &Project{Dir: dir, Config: cfg}
}

// EnvDir returns the absolute environment directory of the project.
func (p *Project) EnvDir() string {
	return p.Config.Resolve(p.Config.Launcher.EnvDir)
}

// WriteText writes content to path, creating parent directories.
func WriteText(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
