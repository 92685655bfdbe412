package obs

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one structured record per operation. Callers build a field
// map while the operation runs and hand it over once, usually from a defer.
type Logger struct {
	z *zap.Logger
}

// NewLogger returns a JSON logger on stdout at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func NewLogger(level string) (*Logger, error) {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true

	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewFromZap wraps an existing zap logger, e.g. an observer core in tests.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

func (lg *Logger) Sync() error { return lg.z.Sync() }

func (lg *Logger) Debug(fields map[string]interface{}) {
	lg.z.Debug(message(fields), toZap(fields)...)
}

func (lg *Logger) Info(fields map[string]interface{}) {
	lg.z.Info(message(fields), toZap(fields)...)
}

func (lg *Logger) Error(fields map[string]interface{}) {
	lg.z.Error(message(fields), toZap(fields)...)
}

// message uses the "op" field as the record message so logs group by operation.
func message(fields map[string]interface{}) string {
	if op, ok := fields["op"].(string); ok && op != "" {
		return op
	}
	return "event"
}

func toZap(fields map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "op" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
