package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiRe = regexp.MustCompile("\x1b\\[[0-9;]*m")

func stripANSI(s string) string { return ansiRe.ReplaceAllString(s, "") }

// prettyHandler renders one key=value line per record for terminals.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []prefixedAttr
	groups []string
	color  bool
	mu     *sync.Mutex
}

// prefixedAttr remembers the group path in effect when WithAttrs was called.
type prefixedAttr struct {
	prefix string
	attr   slog.Attr
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(applyDim(ts.Format("15:04:05.000"), h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(applyBold(r.Message, h.color))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(applyDim(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	for _, pa := range h.attrs {
		h.appendAttr(&b, pa.attr, pa.prefix)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	prefix := strings.Join(h.groups, ".")
	cp.attrs = append([]prefixedAttr{}, h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, prefixedAttr{prefix: prefix, attr: a})
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	if h.opts.ReplaceAttr != nil && a.Value.Kind() != slog.KindGroup {
		a = h.opts.ReplaceAttr(h.groups, a)
	}
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(fullKey)
	b.WriteByte('=')
	b.WriteString(h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorize(strings.ToUpper(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "err":
		return colorize(quoteIfNeeded(valueToString(v)), ansiRed, h.color)
	case "result", "outcome":
		return colorizeResult(strings.ToLower(v.String()), h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true // #nosec G115 -- status codes and ms durations.
	default:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	switch {
	case code >= 500:
		return colorize(s, ansiRed, color)
	case code >= 400:
		return colorize(s, ansiYellow, color)
	case code >= 300:
		return colorize(s, ansiCyan, color)
	default:
		return colorize(s, ansiGreen, color)
	}
}

func colorizeResult(s string, color bool) string {
	switch {
	case s == "ok" || s == "success":
		return colorize(s, ansiGreen, color)
	case strings.HasPrefix(s, "terminal") || s == "error" || s == "server_error":
		return colorize(s, ansiRed, color)
	default:
		return colorize(quoteIfNeeded(s), ansiYellow, color)
	}
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return colorize("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return colorize("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return colorize("[DEBUG]", ansiMagenta, color)
	default:
		return colorize("[INFO]", ansiBlue, color)
	}
}

func colorize(s, code string, color bool) string {
	if !color {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string { return colorize(s, ansiDim, color) }

func applyBold(s string, color bool) string { return colorize(s, ansiBright, color) }
