// Package logging builds the charmbracelet/log loggers used across bookfetch.
//
// Every component gets its own prefixed logger ("launcher", "irc",
// "queue", ...) that shares one writer and level, mirroring the per-thread
// named loggers of the fetcher. Timestamps use the short 15:04:05 form.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// TimeFormat is the timestamp layout printed in front of every line.
const TimeFormat = "15:04:05"

var (
	mu   sync.Mutex
	root = newRoot(os.Stderr, log.InfoLevel)
)

func newRoot(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      TimeFormat,
		Level:           level,
	})
}

// Configure replaces the shared writer and level. Loggers obtained with For
// after the call use the new settings.
func Configure(w io.Writer, debug bool) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	root = newRoot(w, level)
}

// For returns a logger whose lines are prefixed with the component name.
func For(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.WithPrefix(component)
}

// Discard returns a logger that drops everything. Tests use it to keep
// output quiet.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// ParseDebug interprets the DEBUG environment convention: only "true"
// (any case) enables debug output.
func ParseDebug(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), "true")
}
