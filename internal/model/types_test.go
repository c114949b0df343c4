package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestItemStatus_String verifies that ItemStatus values produce
// the expected string representations for CLI output and JSON serialization.
func TestItemStatus_String(t *testing.T) {
	tests := []struct {
		status   ItemStatus
		expected string
	}{
		{StatusPending, "pending"},
		{StatusDownloading, "downloading"},
		{StatusCompleted, "completed"},
		{StatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

// TestItemStatus_IsValid checks that only defined status values pass validation.
func TestItemStatus_IsValid(t *testing.T) {
	assert.True(t, StatusPending.IsValid())
	assert.True(t, StatusDownloading.IsValid())
	assert.True(t, StatusCompleted.IsValid())
	assert.True(t, StatusFailed.IsValid())
	assert.False(t, ItemStatus("invalid").IsValid())
	assert.False(t, ItemStatus("").IsValid())
}

func TestItemStatus_IsFinal(t *testing.T) {
	assert.False(t, StatusPending.IsFinal())
	assert.False(t, StatusDownloading.IsFinal())
	assert.True(t, StatusCompleted.IsFinal())
	assert.True(t, StatusFailed.IsFinal())
}

// TestParseItemStatus verifies string-to-status conversion,
// including case normalization and error cases.
func TestParseItemStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected ItemStatus
		hasError bool
	}{
		{"pending", StatusPending, false},
		{"downloading", StatusDownloading, false},
		{"completed", StatusCompleted, false},
		{"failed", StatusFailed, false},
		{"Completed", StatusCompleted, false}, // case insensitive
		{" FAILED ", StatusFailed, false},     // surrounding space
		{"invalid", "", true},                 // unknown value
		{"", "", true},                        // empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseItemStatus(tt.input)
			if tt.hasError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

// TestNewQueueItem checks that a fresh item is pending, carries a unique ID
// and the channel command that requests the file.
func TestNewQueueItem(t *testing.T) {
	a := NewQueueItem("Bsk", "Frank Herbert - Dune.epub")
	b := NewQueueItem("Bsk", "Frank Herbert - Dune.epub")

	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "!Bsk Frank Herbert - Dune.epub", a.Command)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "every item gets its own ID")
	assert.False(t, a.AddedAt.IsZero())
}

// TestQueueItem_String verifies the filename is cut to 50 characters.
func TestQueueItem_String(t *testing.T) {
	t.Run("short filename", func(t *testing.T) {
		item := NewQueueItem("Oatmeal", "book.epub")
		assert.Equal(t, "book.epub (from Oatmeal)", item.String())
	})

	t.Run("long filename truncated", func(t *testing.T) {
		long := strings.Repeat("a", 60) + ".epub"
		item := NewQueueItem("Oatmeal", long)
		assert.Equal(t, strings.Repeat("a", 50)+" (from Oatmeal)", item.String())
	})

	t.Run("multibyte filename not split", func(t *testing.T) {
		long := strings.Repeat("é", 55)
		item := NewQueueItem("u", long)
		assert.Equal(t, strings.Repeat("é", 50)+" (from u)", item.String())
	})
}

// TestCLIError verifies the custom error type used for exit code mapping.
func TestCLIError(t *testing.T) {
	t.Run("simple error", func(t *testing.T) {
		err := NewCLIError(ExitEnvironmentError, "python interpreter not found")
		assert.Equal(t, ExitEnvironmentError, err.Code)
		assert.Equal(t, "python interpreter not found", err.Error())
		assert.Nil(t, err.Unwrap())
		assert.False(t, err.Silent())
	})

	t.Run("wrapped error", func(t *testing.T) {
		inner := errors.New("permission denied")
		err := WrapCLIError(ExitEnvironmentError, "failed to create environment", inner)
		assert.Equal(t, ExitEnvironmentError, err.Code)
		assert.Contains(t, err.Error(), "permission denied")
		assert.Equal(t, inner, err.Unwrap())
	})

	// Verify errors.Is works with unwrapped errors (Go 1.13+ error chain).
	t.Run("errors.Is chain", func(t *testing.T) {
		inner := errors.New("connection refused")
		err := WrapCLIError(ExitIRCError, "failed to connect", inner)
		assert.True(t, errors.Is(err, inner))
	})

	t.Run("exit status is silent", func(t *testing.T) {
		err := ExitStatus(3)
		assert.Equal(t, ExitCode(3), err.Code)
		assert.True(t, err.Silent())
		assert.Equal(t, "exit status 3", err.Error())
	})
}
