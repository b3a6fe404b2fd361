package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLogLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("loud"))
}

func TestLoggerFiltersAndFormats(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn").With("engine")
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.Infof("hidden %d", 1)
	l.Warnf("visible %s", "yes")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, "2026-01-02T03:04:05Z WARN engine: visible yes\n", out)
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Errorf("nothing %s", "happens")
	assert.Nil(t, l.With("x"))
	assert.True(t, strings.EqualFold(l.Level().String(), "error"))
}
