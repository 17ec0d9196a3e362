package observability

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	debugs int
	infos  int
	errors int
	last   []Field
}

func (r *recordingLogger) Debug(string, ...Field) { r.debugs++ }
func (r *recordingLogger) Info(string, ...Field)  { r.infos++ }
func (r *recordingLogger) Error(_ string, fields ...Field) {
	r.errors++
	r.last = fields
}

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)
	require.Same(t, recorder, OrDefault(nil))

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Info("subscriber promoted", F("subscriber", "fast-1"), F("lane", "fast"), F("reason", "under threshold"))
	logger.Debug("dropped")
	logger.Error("delivery failed", F("err", errors.New("boom")))

	out := buf.String()
	require.Contains(t, out, "INFO subscriber promoted subscriber=fast-1 lane=fast reason=\"under threshold\"")
	require.Contains(t, out, "ERROR delivery failed err=\"boom\"")
	require.False(t, strings.Contains(out, "dropped"), "debug entries must be suppressed")
}

func TestAggregateErrorsJoinsAndLogs(t *testing.T) {
	recorder := new(recordingLogger)
	first := errors.New("slow lane drain timeout")
	err := AggregateErrors(recorder, "throttler shutdown", []error{nil, first, errors.New("fast lane drain timeout")})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.Equal(t, 1, recorder.errors)
	require.Contains(t, err.Error(), "throttler shutdown failed")

	require.NoError(t, AggregateErrors(recorder, "noop", []error{nil}))
	require.Equal(t, 1, recorder.errors)
}
