// Package model defines the domain types for the bookfetch CLI.
//
// The launcher half of the binary has no persistent entities: it only looks
// at the environment directory and the process it starts. The fetcher half
// works with queue items, search results and history entries, which are
// defined here so that the queue, irc, history and cli packages can share
// them without importing each other.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ItemStatus represents the lifecycle state of a download queue item.
// The state transitions are:
//
//	Pending → Downloading → Completed
//	                      → Failed
type ItemStatus string

const (
	// StatusPending indicates the item is waiting in the queue.
	StatusPending ItemStatus = "pending"

	// StatusDownloading indicates the request was sent to the channel and
	// the session is waiting for the DCC transfer.
	StatusDownloading ItemStatus = "downloading"

	// StatusCompleted indicates the file was received in full.
	StatusCompleted ItemStatus = "completed"

	// StatusFailed indicates the download was cancelled or the transfer broke.
	StatusFailed ItemStatus = "failed"
)

// String returns the string representation of ItemStatus.
func (s ItemStatus) String() string {
	return string(s)
}

// IsValid checks whether the ItemStatus value is one of the
// predefined valid states.
func (s ItemStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsFinal reports whether no further transition is possible.
func (s ItemStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseItemStatus converts a string to an ItemStatus.
// Returns an error if the string does not match any valid status.
func ParseItemStatus(s string) (ItemStatus, error) {
	status := ItemStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid item status: %q (valid: pending, downloading, completed, failed)", s)
	}
	return status, nil
}

// QueueItem is a single book request waiting to be sent to the channel.
//
// The Command field holds the exact line that is sent to the channel to ask
// the serving bot for the file ("!user filename").
type QueueItem struct {
	// ID uniquely identifies the item across moves and removals.
	ID string `json:"id"`

	// User is the nick of the bot that serves the file.
	User string `json:"user"`

	// Filename is the file name as listed in the search results.
	Filename string `json:"filename"`

	// Command is the channel message that requests the file.
	Command string `json:"command"`

	// Status is the current lifecycle state.
	Status ItemStatus `json:"status"`

	// AddedAt is when the item was enqueued.
	AddedAt time.Time `json:"addedAt"`
}

// NewQueueItem builds a pending queue item for the given user and file.
func NewQueueItem(user, filename string) *QueueItem {
	return &QueueItem{
		ID:       uuid.NewString(),
		User:     user,
		Filename: filename,
		Command:  RequestCommand(user, filename),
		Status:   StatusPending,
		AddedAt:  time.Now(),
	}
}

// RequestCommand formats the channel message that asks user for filename.
func RequestCommand(user, filename string) string {
	return fmt.Sprintf("!%s %s", user, filename)
}

// String returns a short human-readable label: the first 50 characters of
// the filename followed by the serving user.
func (q *QueueItem) String() string {
	return fmt.Sprintf("%s (from %s)", truncateRunes(q.Filename, 50), q.User)
}

// truncateRunes cuts s to at most n runes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// SearchResult is one distinct file found in a search results archive
// together with every user that offers it.
type SearchResult struct {
	// Filename is the file name as listed by the serving bots.
	Filename string `json:"filename"`

	// Users holds the nicks offering the file, sorted.
	Users []string `json:"users"`

	// Online holds the subset of Users that answered the last ISON query.
	Online []string `json:"online,omitempty"`
}

// HistoryEntry is a finished download as recorded by the history store.
type HistoryEntry struct {
	ID          int64      `json:"id"`
	User        string     `json:"user"`
	Filename    string     `json:"filename"`
	Path        string     `json:"path,omitempty"`
	Bytes       int64      `json:"bytes"`
	Status      ItemStatus `json:"status"`
	CompletedAt time.Time  `json:"completedAt"`
}

// Package is a Python distribution installed in the environment, as
// reported by `pip list --format=json`.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ExitCode defines the process exit codes of the CLI.
// Codes below 10 are generic, 10-19 belong to the launcher and 20-29 to the
// native fetcher. When the launched program exits on its own, its exit code
// is passed through unchanged.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the configuration file or environment
	// overrides could not be loaded or failed validation.
	ExitConfigError ExitCode = 2

	// ExitEnvironmentError indicates the isolated environment could not be
	// created (missing interpreter, permission denied, venv failure).
	ExitEnvironmentError ExitCode = 10

	// ExitDependencySyncFailed indicates the requirements could not be
	// installed. The main program is never started in this case.
	ExitDependencySyncFailed ExitCode = 11

	// ExitProgramStartFailed indicates the main program could not be started
	// at all (as opposed to starting and exiting non-zero).
	ExitProgramStartFailed ExitCode = 12

	// ExitLockTimeout indicates another launcher held the environment lock
	// for longer than the configured timeout.
	ExitLockTimeout ExitCode = 13

	// ExitIRCError indicates the IRC server could not be reached or the
	// session ended unexpectedly.
	ExitIRCError ExitCode = 20

	// ExitTransferFailed indicates a DCC transfer did not complete.
	ExitTransferFailed ExitCode = 21

	// ExitResultsInvalid indicates a search results archive could not be parsed.
	ExitResultsInvalid ExitCode = 22

	// ExitInterrupted is returned when the user interrupts a blocking step
	// and the child did not report an exit code of its own (128 + SIGINT).
	ExitInterrupted ExitCode = 130
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	// An empty message means the error was already reported (for example
	// by the launched program itself) and nothing should be printed.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// Silent reports whether the error should be turned into an exit code
// without printing anything.
func (e *CLIError) Silent() bool {
	return e.Message == "" && e.Err == nil
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// ExitStatus creates a silent CLIError that only carries an exit code.
// It is used to pass the launched program's exit code through.
func ExitStatus(code int) *CLIError {
	return &CLIError{Code: ExitCode(code)}
}
