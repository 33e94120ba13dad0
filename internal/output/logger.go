package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger: a console core on stderr, plus a
// JSON core appending to logFile when one is given. Every field passes
// through secret masking.
func NewLogger(verbose bool, logFile string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	pe := zap.NewProductionEncoderConfig()
	pe.EncodeTime = zapcore.ISO8601TimeEncoder
	pe.ConsoleSeparator = " "
	pe.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(pe), zapcore.Lock(os.Stderr), level),
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		fe := zap.NewProductionEncoderConfig()
		fe.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fe), zapcore.AddSync(f), zapcore.DebugLevel))
	}

	return zap.New(NewMaskingCore(zapcore.NewTee(cores...)), zap.AddCaller()), nil
}

// secretKeys are substrings of field keys whose values are never logged.
var secretKeys = []string{"token", "password", "secret", "auth"}

type maskingCore struct {
	zapcore.Core
}

// NewMaskingCore wraps core so that credential fields are masked before
// encoding. Authorization values keep their scheme and last two characters.
func NewMaskingCore(core zapcore.Core) zapcore.Core {
	return &maskingCore{Core: core}
}

func (c *maskingCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskingCore{Core: c.Core.With(maskFields(fields))}
}

func (c *maskingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *maskingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, maskFields(fields))
}

func maskFields(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		masked, ok := maskField(f)
		if !ok {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = masked
	}
	if out == nil {
		return fields
	}
	return out
}

func maskField(f zapcore.Field) (zapcore.Field, bool) {
	key := strings.ToLower(f.Key)
	if key == "authorization" {
		if f.Type == zapcore.StringType {
			return zap.String(f.Key, MaskAuthHeader(f.String)), true
		}
		return zap.String(f.Key, "***"), true
	}
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return zap.String(f.Key, "***"), true
		}
	}
	return f, false
}

// MaskSecret shows only the last show characters of value. Values that
// short or shorter are fully masked.
func MaskSecret(value string, show int) string {
	if value == "" {
		return ""
	}
	if len(value) <= show {
		return "***"
	}
	return "***" + value[len(value)-show:]
}

// MaskAuthHeader masks the credential of an Authorization header value,
// keeping the scheme: "Bearer abcdef" becomes "Bearer ***ef".
func MaskAuthHeader(value string) string {
	if value == "" {
		return ""
	}
	if scheme, cred, ok := strings.Cut(strings.TrimSpace(value), " "); ok {
		return scheme + " " + MaskSecret(strings.TrimSpace(cred), 2)
	}
	return MaskSecret(value, 2)
}
