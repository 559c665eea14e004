package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_RendersLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactAttr}, false))

	log.With("component", "client").WithGroup("req").Warn("auth.refresh",
		"status", 401,
		"err", errors.New("token expired"),
		"refresh_token", "secret-value",
	)

	line := buf.String()
	for _, want := range []string{
		"[WARN] auth.refresh",
		" component=client",
		" req.status=401",
		` req.err="token expired"`,
		" req.refresh_token=[redacted]",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line=%q missing %q", line, want)
		}
	}
	if strings.Contains(line, "secret-value") {
		t.Fatalf("line=%q leaks a secret", line)
	}
}

func TestPrettyHandler_ColorAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info below min level was written: %q", buf.String())
	}

	log.Error("http.request", "method", "get", "status", 503, "result", "server_error")
	line := buf.String()
	if !strings.Contains(line, ansiRed+"[ERROR]"+ansiReset) {
		t.Fatalf("line=%q want red level tag", line)
	}
	plain := stripANSI(line)
	if !strings.Contains(plain, "method=GET status=503 result=server_error") {
		t.Fatalf("plain=%q", plain)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        `""`,
		"plain":   "plain",
		"a b":     `"a b"`,
		"k=v":     `"k=v"`,
		`say "x"`: `"say \"x\""`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestNewLogger_JSONRedacts(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewLogger("debug", "json", &buf)
	log.Debug("login", "password", "hunter2", "email", "a@b.c")

	out := buf.String()
	if strings.Contains(out, "hunter2") || !strings.Contains(out, `"password":"[redacted]"`) {
		t.Fatalf("out=%q", out)
	}
	if !strings.Contains(out, `"email":"a@b.c"`) {
		t.Fatalf("out=%q want email kept", out)
	}
}
