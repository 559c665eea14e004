package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a structured logger writing to w (stderr when nil).
// format is "json" (default) or "pretty".
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(level),
		ReplaceAttr: redactAttr,
	}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty":
		h = newPrettyHandler(w, opts, colorEnabled(w))
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// secretKeys never reach a log sink in clear text. Components log
// fingerprints instead; this is the backstop.
var secretKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"csrf_token":    {},
	"authorization": {},
	"password":      {},
	"passphrase":    {},
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() == slog.KindString && a.Value.String() != "" {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || EnvBool(EnvPrefix+"LOG_NO_COLOR", false) {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
