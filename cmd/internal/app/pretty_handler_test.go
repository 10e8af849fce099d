package app

import (
	"bytes"
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
	if visualLen(in) != len(want) {
		t.Fatalf("visualLen()=%d want=%d", visualLen(in), len(want))
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)).
		With("component", "session")

	log.WithGroup("req").Warn("session.login",
		"user_id", "u1",
		"outcome", "limit_exceeded",
		"duration_ms", int64(12),
		"note", "two words",
	)

	line := buf.String()
	for _, want := range []string{
		"[WARN]",
		"msg=session.login",
		"component=session",
		"req.user_id=u1",
		"req.outcome=limit_exceeded",
		"req.duration=12ms",
		`req.note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but output has escapes: %q", line)
	}
}

func TestPrettyHandler_ColorizesStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newPrettyHandler(&buf, nil, true)).Error("http.request", "status", 503, "status_class", "5xx")

	line := buf.String()
	if !strings.Contains(line, ansiRed+"503"+ansiReset) {
		t.Fatalf("status not colored red: %q", line)
	}
	if !strings.Contains(stripANSI(line), "class=5xx") {
		t.Fatalf("status_class not remapped: %q", stripANSI(line))
	}
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   slog.Value
		want int64
		ok   bool
	}{
		{in: slog.Int64Value(7), want: 7, ok: true},
		{in: slog.Uint64Value(9), want: 9, ok: true},
		{in: slog.StringValue("42"), want: 42, ok: true},
		{in: slog.StringValue("x"), ok: false},
		{in: slog.BoolValue(true), ok: false},
	}
	for _, tc := range cases {
		got, ok := valueToInt64(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("valueToInt64(%v)=(%d,%v) want (%d,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
