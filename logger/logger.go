package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// LevelTrace is more verbose than Debug, used to dump messages and blocks.
const LevelTrace slog.Level = slog.LevelDebug - 4

// Logger output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatECS  = "ecs"
)

/*
LogConfiguration is the logger configuration, usually loaded from the logger
configuration YAML file and then overridden by command line flags.
*/
type LogConfiguration struct {
	Level      string `yaml:"defaultLevel"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"outputPath"`
	// TimeFormat is Go time format layout for the "time" field, "none" disables the field.
	TimeFormat string `yaml:"timeFormat"`
	// "json" renders the Data attribute as JSON string.
	DataFormat string `yaml:"dataFormat"`
	ShowSource bool   `yaml:"showSource"`
}

/*
New creates logger based on configuration "cfg". Nil "cfg" means default
configuration (text format, info level, output to stderr).
*/
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	w, err := cfg.writer()
	if err != nil {
		return nil, err
	}
	h, err := cfg.Handler(w)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

/*
Handler returns slog handler writing into "out" according to the configuration.
*/
func (cfg *LogConfiguration) Handler(out io.Writer) (slog.Handler, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		AddSource: cfg.ShowSource || cfg.Format == FormatECS,
		Level:     lvl,
	}

	var dataFmt func(groups []string, a slog.Attr) slog.Attr
	if cfg.DataFormat == "json" {
		dataFmt = formatDataAttrAsJSON
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", FormatText:
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), dataFmt)
		h = slog.NewTextHandler(out, opts)
	case FormatJSON:
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), dataFmt)
		h = slog.NewJSONHandler(out, opts)
	case FormatECS:
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatAttrECS)
		h = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return NewContextHandler(h), nil
}

func (cfg *LogConfiguration) writer() (io.Writer, error) {
	switch strings.ToLower(cfg.OutputPath) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard":
		return io.Discard, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0700); err != nil {
		return nil, fmt.Errorf("creating directory for log file: %w", err)
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// ParseLevel converts level name to slog level, empty string means "info".
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace, nil
	case "":
		return slog.LevelInfo, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

/*
NewContextHandler wraps "h" so that trace and span IDs of the span in the
logging call context are added to the record.
*/
func NewContextHandler(h slog.Handler) slog.Handler {
	if ch, ok := h.(contextHandler); ok {
		return ch
	}
	return contextHandler{Handler: h}
}

type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String(traceID, sc.TraceID().String()),
			slog.String(spanID, sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}
