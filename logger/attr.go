package logger

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
)

/*
Log attribute key values. Generally shouldn't be used directly, use
appropriate "attribute constructor function" instead.

Only define names here if they are common for multiple modules, module
specific names should be defined in the module.
*/
const (
	NodeIDKey    = "node_id"
	ModuleKey    = "module"
	ErrorKey     = "err"
	ChainKey     = "chain"
	TxHashKey    = "tx_hash"
	ValidatorKey = "validator"
	DataKey      = "data"

	traceID = "TraceId" // OTEL data model
	spanID  = "SpanId"  // OTEL data model
)

/*
NodeID adds "node ID" field.

This function should be used with logger.With() method to create sub-logger
for the node (rather than adding NodeID call to individual logging calls).
*/
func NodeID(id string) slog.Attr {
	return slog.String(NodeIDKey, id)
}

/*
Error adds error to the log

	if err:= f(); err != nil {
		log.Error("calling f", logger.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

/*
Data adds additional data field to the message.

slog.GroupValue shouldn't be used as the data - in the ECS formatter all
groups will end up under the same key possibly causing problems with index!

Use of anonymous types is discouraged too.
*/
func Data(d any) slog.Attr {
	return slog.Any(DataKey, d)
}

/*
Chain is the ID of the ledger the logging call is about. Chain specific
components (ie miner) should create sub-logger with this attribute.
*/
func Chain(id string) slog.Attr {
	return slog.String(ChainKey, id)
}

func TxHash(hash string) slog.Attr {
	return slog.String(TxHashKey, hash)
}

func Validator(id string) slog.Attr {
	return slog.String(ValidatorKey, id)
}

/*
composeAttrFmt combines attribute formatters into single func.
If input contains nil values those are discarded.
*/
func composeAttrFmt(f ...func(groups []string, a slog.Attr) slog.Attr) func(groups []string, a slog.Attr) slog.Attr {
	f = slices.DeleteFunc(f, func(f func(groups []string, a slog.Attr) slog.Attr) bool { return f == nil })
	switch len(f) {
	case 0:
		return nil
	case 1:
		return f[0]
	case 2:
		f0, f1 := f[0], f[1]
		return func(groups []string, a slog.Attr) slog.Attr {
			return f1(groups, f0(groups, a))
		}
	default:
		return composeAttrFmt(composeAttrFmt(f[:2]...), composeAttrFmt(f[2:]...))
	}
}

func formatTimeAttr(format string) func(groups []string, a slog.Attr) slog.Attr {
	switch format {
	case "":
		// whatever handler does by default...
		return nil
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	default:
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t := a.Value.Time(); !t.IsZero() {
					a.Value = slog.StringValue(t.Format(format))
				}
			}
			return a
		}
	}
}

func formatDataAttrAsJSON(groups []string, a slog.Attr) slog.Attr {
	if a.Key == DataKey && a.Value.Kind() == slog.KindAny {
		if b, err := json.Marshal(a.Value.Any()); err == nil {
			a.Value = slog.StringValue(string(b))
		}
	}
	return a
}

/*
formatAttrECS is a "poor man's ECS handler" ie it formats some well known
attributes according to the ECS spec.
*/
func formatAttrECS(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.MessageKey:
		return slog.String("message", a.Value.String())
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			trimSource(src)
			return slog.Group(
				"log",
				slog.Group(
					"origin",
					slog.String("function", src.Function),
					slog.Group("file", slog.String("name", src.File), slog.Int("line", src.Line)),
				),
			)
		}
	case NodeIDKey:
		return slog.Group("service", slog.Group("node", slog.Any("name", a.Value)))
	case ErrorKey:
		return slog.Group("error", slog.Any("message", a.Value.Any()))
	case DataKey:
		// nest the value under it's type name, `data:"string value"` and `data: 42`
		// would cause type conflict in Elastic index.
		return slog.Group(DataKey, slog.Any(dataName(a.Value), a.Value))
	case traceID:
		return slog.Group("trace", slog.String("id", a.Value.String()))
	case spanID:
		return slog.Group("span", slog.String("id", a.Value.String()))
	}
	return a
}

/*
dataName returns name of the data type of "v", suitable to act as a "namespace" for
the value in ECS format.
*/
func dataName(v slog.Value) string {
	switch v.Kind() {
	case slog.KindAny, slog.KindLogValuer:
		// for anonymous type this is the type def, ie "struct { Str string }"
		rt := reflect.TypeOf(v.Any())
		return strings.ReplaceAll(strings.TrimLeft(rt.String(), "*"), ".", "_")
	default:
		return v.Kind().String()
	}
}

/*
trimSource shortens the "function" name field in "src" by trimming the
package name from it.
*/
func trimSource(src *slog.Source) {
	// github.com/atlys-org/atlys/cli/atlys/cmd.newBaseCmd.func1 -> newBaseCmd.func1
	_, src.Function = filepath.Split(src.Function)
	if s := strings.SplitAfterN(src.Function, ".", 2); len(s) == 2 {
		src.Function = s[1]
	}
}
