package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/atlys-org/atlys/logger"
)

/*
New returns logger for test t on debug level.
*/
func New(t testing.TB) *slog.Logger {
	return NewLvl(t, slog.LevelDebug)
}

/*
NewLvl returns logger for test t on level "level". Log records are written
using t.Log so they are shown only for failing tests (or in verbose mode).

Env vars:
  - ATLYS_TEST_LOG_LEVEL overrides the level;
  - ATLYS_TEST_LOG_FORMAT sets the output format (text by default).
*/
func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	cfg := &logger.LogConfiguration{
		Level:      level.String(),
		Format:     logger.FormatText,
		TimeFormat: "15:04:05.0000",
	}
	if lvl := os.Getenv("ATLYS_TEST_LOG_LEVEL"); lvl != "" {
		cfg.Level = lvl
	}
	if format := os.Getenv("ATLYS_TEST_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}

	h, err := cfg.Handler(&testLogWriter{t: t})
	if err != nil {
		t.Fatalf("creating test logger: %v", err)
	}
	return slog.New(h)
}

/*
LoggerBuilder returns logger factory which ignores the configuration and
creates test logger.
*/
func LoggerBuilder(t testing.TB) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(*logger.LogConfiguration) (*slog.Logger, error) {
		return New(t), nil
	}
}

// NOP returns logger which discards everything.
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type testLogWriter struct {
	t testing.TB
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
