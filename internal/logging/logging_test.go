package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slimstreamer/slimstreamer/internal/logging"
)

func TestLoggerWithTagging(t *testing.T) {
	buf := &bytes.Buffer{}
	l := logging.New(buf, log.DebugLevel)

	child := l.With("component", "proto", "client", "1")
	child.Info("hello")

	assert.Contains(t, buf.String(), "component=proto")
	assert.Contains(t, buf.String(), "client=1")
}

func TestSessionTracerWithoutPattern(t *testing.T) {
	buf := &bytes.Buffer{}
	tracer, err := logging.NewSessionTracer(buf, "")
	require.NoError(t, err)

	tracer.Trace("1", "STAT received")
	assert.Equal(t, "[1] STAT received\n", buf.String())
}

func TestSessionTracerInvalidPattern(t *testing.T) {
	_, err := logging.NewSessionTracer(&bytes.Buffer{}, "%Q")
	assert.Error(t, err)
}

func TestSessionTracerWithPattern(t *testing.T) {
	buf := &bytes.Buffer{}
	tracer, err := logging.NewSessionTracer(buf, "%Y")
	require.NoError(t, err)

	tracer.Trace("1", "hello")
	assert.True(t, strings.Contains(buf.String(), "[1] hello"))
}
