package logger

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlys-org/atlys/logger"
)

func Test_logger_for_tests(t *testing.T) {
	t.Skip("this test is only for visually checking the output")

	t.Run("first", func(t *testing.T) {
		l := New(t)
		l.Error("now thats really bad", logger.Error(errors.New("what now")))
		l.Warn("going to tell it just once", logger.Chain("eth"))
		l.Info("so you know", logger.TxHash("0badf00d"))
		l.Debug("lets investigate")
		t.Error("calling t.Error causes the test to fail")
	})

	t.Run("second", func(t *testing.T) {
		l := NewLvl(t, slog.LevelInfo)
		l.Info("so you know")
		t.Log("this is INFO level logger so Debug call should not show up")
		l.Debug("this shouldn't show up in the log")
		t.Fail()
	})
}

func TestNewLvl_EnvOverride(t *testing.T) {
	t.Setenv("ATLYS_TEST_LOG_LEVEL", "error")
	l := NewLvl(t, slog.LevelDebug)
	require.False(t, l.Enabled(context.Background(), slog.LevelWarn))
	require.True(t, l.Enabled(context.Background(), slog.LevelError))
}

func TestNOP(t *testing.T) {
	l := NOP()
	require.False(t, l.Enabled(context.Background(), slog.LevelError))
}

func TestLoggerBuilder(t *testing.T) {
	l, err := LoggerBuilder(t)(&logger.LogConfiguration{Level: "error"})
	require.NoError(t, err)
	// configuration is ignored, test logger is on debug level
	require.True(t, l.Enabled(context.Background(), slog.LevelDebug))
}
