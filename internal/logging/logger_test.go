package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("server", &buf)

	l.Info().Str("run_id", "abc").Msg("Run created")

	out := buf.String()
	assert.Contains(t, out, "Run created")
	assert.Contains(t, out, "run_id=abc")
}

func TestLogger_Child(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("server", &buf).Child(map[string]string{"component": "reconcile"})

	l.Warn().Msg("queue query failed: timeout")

	assert.Contains(t, buf.String(), "component=reconcile")
	assert.Contains(t, buf.String(), "queue query failed: timeout")
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Error().Msg("ignored")
	l.Child(map[string]string{"a": "b"}).Info().Msg("ignored")
}
