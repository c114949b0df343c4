package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestForPrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, false)
	t.Cleanup(func() { Configure(nil, false) })

	For("launcher").Info("environment ready", "dir", "venv")

	out := buf.String()
	assert.Contains(t, out, "launcher")
	assert.Contains(t, out, "environment ready")
	assert.Contains(t, out, "dir=venv")
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, false)
	t.Cleanup(func() { Configure(nil, false) })

	For("queue").Debug("hidden")
	assert.Empty(t, buf.String())
	assert.Equal(t, log.InfoLevel, For("queue").GetLevel())

	Configure(&buf, true)
	For("queue").Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, log.DebugLevel, For("queue").GetLevel())
}

func TestParseDebug(t *testing.T) {
	assert.True(t, ParseDebug("true"))
	assert.True(t, ParseDebug(" TRUE "))
	assert.False(t, ParseDebug("1"))
	assert.False(t, ParseDebug(""))
	assert.False(t, ParseDebug("yes"))
}
