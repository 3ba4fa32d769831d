package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	var testCases = []struct {
		in   string
		want slog.Level
	}{
		{in: "", want: slog.LevelInfo},
		{in: "trace", want: LevelTrace},
		{in: "TRACE", want: LevelTrace},
		{in: "debug", want: slog.LevelDebug},
		{in: "info", want: slog.LevelInfo},
		{in: "WARN", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
	}
	for _, tc := range testCases {
		lvl, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, lvl, tc.in)
	}

	_, err := ParseLevel("loud")
	require.ErrorContains(t, err, `invalid log level "loud"`)
}

func TestLogConfiguration_Handler(t *testing.T) {
	t.Run("unknown format", func(t *testing.T) {
		cfg := &LogConfiguration{Format: "xml"}
		h, err := cfg.Handler(&bytes.Buffer{})
		require.EqualError(t, err, `unknown log format "xml"`)
		require.Nil(t, h)
	})

	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cfg := &LogConfiguration{Format: FormatJSON, Level: "debug", TimeFormat: "none"}
		h, err := cfg.Handler(buf)
		require.NoError(t, err)
		slog.New(h).Debug("mined block", Chain("eth"), Error(errors.New("oops")))

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		require.Equal(t, "mined block", rec["msg"])
		require.Equal(t, "eth", rec[ChainKey])
		require.Equal(t, "oops", rec[ErrorKey])
		require.NotContains(t, rec, slog.TimeKey)
	})

	t.Run("level filter", func(t *testing.T) {
		buf := &bytes.Buffer{}
		h, err := (&LogConfiguration{Level: "warn"}).Handler(buf)
		require.NoError(t, err)
		slog.New(h).Info("not shown")
		require.Empty(t, buf.Bytes())
	})

	t.Run("ecs", func(t *testing.T) {
		buf := &bytes.Buffer{}
		h, err := (&LogConfiguration{Format: FormatECS}).Handler(buf)
		require.NoError(t, err)
		slog.New(h).Info("hello", NodeID("node1"), Data(42))

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		require.Equal(t, "hello", rec["message"])
		require.Equal(t, map[string]any{"node": map[string]any{"name": "node1"}}, rec["service"])
		require.Contains(t, rec, "log")
	})
}

func TestContextHandler_TraceIDs(t *testing.T) {
	buf := &bytes.Buffer{}
	h, err := (&LogConfiguration{Format: FormatJSON}).Handler(buf)
	require.NoError(t, err)
	log := slog.New(h).With(Validator("v1"))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	log.InfoContext(ctx, "vote")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, sc.TraceID().String(), rec[traceID])
	require.Equal(t, sc.SpanID().String(), rec[spanID])
	require.Equal(t, "v1", rec[ValidatorKey])
}

func TestNew_OutputFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "logs", "atlys.log")
	log, err := New(&LogConfiguration{OutputPath: fn, Format: FormatText})
	require.NoError(t, err)
	log.Info("written to file")
	require.FileExists(t, fn)

	log, err = New(nil)
	require.NoError(t, err)
	require.NotNil(t, log)
}
