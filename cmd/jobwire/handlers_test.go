package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-studio/jobwire"
)

func TestBuiltinHandler_Unknown(t *testing.T) {
	_, err := builtinHandler("resize")
	require.Error(t, err)
}

func TestEchoHandler(t *testing.T) {
	h, err := builtinHandler("echo")
	require.NoError(t, err)

	out, err := h(context.Background(), &jobwire.Job{Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`{"a":1}`), out)
}

func TestSleepHandler_RespectsContext(t *testing.T) {
	h, err := builtinHandler("sleep")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h(ctx, &jobwire.Job{Data: json.RawMessage(`{"ms":5000}`)})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	out, err := h(context.Background(), &jobwire.Job{Data: json.RawMessage(`{"ms":1}`)})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"slept_ms": 1}, out)
}

func TestFailHandler(t *testing.T) {
	h, err := builtinHandler("fail")
	require.NoError(t, err)

	_, err = h(context.Background(), &jobwire.Job{Data: json.RawMessage(`"disk full"`)})
	require.EqualError(t, err, "disk full")

	_, err = h(context.Background(), &jobwire.Job{Data: json.RawMessage(`null`)})
	require.EqualError(t, err, "requested failure")
}

func TestNewLogger_FallsBackToInfo(t *testing.T) {
	l := newLogger("loud", "json")
	require.NotNil(t, l)
	require.False(t, l.Enabled(context.Background(), -4))
	require.True(t, l.Enabled(context.Background(), 0))
}
