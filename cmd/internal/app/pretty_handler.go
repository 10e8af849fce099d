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
	"unicode/utf8"
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

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// prettyHandler renders one key=value line per record for local development.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
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
	b.WriteString(h.paint(ansiDim, ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteString(" msg=")
	b.WriteString(h.paint(ansiBright, r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.paint(ansiDim, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	group := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, group)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs qualifies attrs with the groups opened so far; groups opened
// later do not apply to them.
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr{}, h.attrs...)
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		switch {
		case prefix == "":
		case a.Key == "":
			a.Key = prefix
		default:
			a.Key = prefix + "." + a.Key
		}
		cp.attrs = append(cp.attrs, a)
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
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}

	if parent != "" && key != "" {
		key = parent + "." + key
	} else if parent != "" {
		key = parent
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, key)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(prettyKey(key))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch baseKey(key) {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path", "user_id", "device_id":
		return h.paint(ansiCyan, quoteIfNeeded(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result", "outcome":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "err":
		return h.paint(ansiRed, quoteIfNeeded(valueToString(v)))
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) paint(code, s string) string {
	if !h.color {
		return s
	}
	return code + s + ansiReset
}

func baseKey(k string) string {
	return k[strings.LastIndexByte(k, '.')+1:]
}

func prettyKey(k string) string {
	prefix := k[:len(k)-len(baseKey(k))]
	switch baseKey(k) {
	case "status_class":
		return prefix + "class"
	case "duration_ms":
		return prefix + "duration"
	default:
		return k
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

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		u := v.Uint64()
		if u > 1<<63-1 {
			return 0, false
		}
		return int64(u), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
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

func levelTag(level slog.Level, color bool) string {
	tag, code := "[INFO]", ansiBlue
	switch {
	case level >= slog.LevelError:
		tag, code = "[ERROR]", ansiRed
	case level >= slog.LevelWarn:
		tag, code = "[WARN]", ansiYellow
	case level < slog.LevelInfo:
		tag, code = "[DEBUG]", ansiMagenta
	}
	if !color {
		return tag
	}
	return code + tag + ansiReset
}

func colorizeHTTPMethod(method string, color bool) string {
	if !color {
		return method
	}
	switch method {
	case "GET", "HEAD":
		return ansiGreen + method + ansiReset
	case "POST":
		return ansiBlue + method + ansiReset
	case "DELETE":
		return ansiRed + method + ansiReset
	default:
		return ansiYellow + method + ansiReset
	}
}

func colorizeStatusCode(status int, color bool) string {
	s := strconv.Itoa(status)
	if !color {
		return s
	}
	return statusColor(status) + s + ansiReset
}

func colorizeStatusClass(class string, color bool) string {
	if !color || class == "" {
		return class
	}
	n, err := strconv.Atoi(class[:1])
	if err != nil {
		return class
	}
	return statusColor(n*100) + class + ansiReset
}

func statusColor(status int) string {
	switch {
	case status >= 500:
		return ansiRed
	case status >= 400:
		return ansiYellow
	case status >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return s
	}
	switch {
	case ms >= 1000:
		return ansiRed + s + ansiReset
	case ms >= 250:
		return ansiYellow + s + ansiReset
	default:
		return ansiDim + s + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "success", "ok", "active", "evicted":
		return ansiGreen + result + ansiReset
	case "client_error", "limit_exceeded", "already_terminated", "not_found", "signed_out":
		return ansiYellow + result + ansiReset
	case "server_error":
		return ansiRed + result + ansiReset
	default:
		return result
	}
}

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// visualLen is the printed width of s ignoring color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}
