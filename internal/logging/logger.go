package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cbmeeks/machine/internal/config"
)

// LogFileName is the name of the persistent log inside the log directory.
const LogFileName = "machine.log"

// Options configures New. Output is "stderr", "stdout" or a file path and is
// ignored when Writer is set.
type Options struct {
	Level  string
	Format string
	Output string
	Writer io.Writer
}

// New constructs a console or JSON logger.
func New(opts Options) (*slog.Logger, error) {
	handler, err := newHandler(opts)
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func newHandler(opts Options) (slog.Handler, error) {
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format != "" && format != "console" && format != "json" {
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
	w := opts.Writer
	if w == nil {
		var err error
		if w, err = openOutput(opts.Output); err != nil {
			return nil, err
		}
	}
	level := parseLevel(opts.Level)
	if format == "json" {
		return jsonHandler(w, level), nil
	}
	return &consoleHandler{out: &lockedWriter{w: w}, level: level, caller: level <= slog.LevelDebug}, nil
}

// NewFromConfig creates the CLI logger: the configured format on stderr plus
// JSON lines in machine.log under the log directory. A machine.log left over
// from an earlier day is rotated before it is reopened.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Output: "stderr"})
	}
	terminal, err := newHandler(Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: "stderr"})
	if err != nil {
		return nil, err
	}
	dir := strings.TrimSpace(cfg.Paths.LogDir)
	if dir == "" {
		return slog.New(terminal), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure log directory: %w", err)
	}
	if err := RotateLog(dir, time.Now()); err != nil {
		return nil, err
	}
	file, err := newHandler(Options{Level: cfg.Logging.Level, Format: "json", Output: filepath.Join(dir, LogFileName)})
	if err != nil {
		return nil, err
	}
	return slog.New(tee{terminal, file}), nil
}

// NewWorker returns the JSON logger used inside worker processes. The
// orchestrator scans its output for the failure cause.
func NewWorker(w io.Writer, level string) *slog.Logger {
	return slog.New(jsonHandler(w, parseLevel(level)))
}

func parseLevel(text string) slog.Level {
	text = strings.TrimSpace(text)
	if strings.EqualFold(text, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func openOutput(output string) (io.Writer, error) {
	switch output = strings.TrimSpace(output); output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("ensure log directory: %w", err)
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", output, err)
	}
	return file, nil
}

// jsonHandler writes one object per line with ts, level and msg keys. Times
// are UTC RFC 3339 and levels are lower case.
func jsonHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return attr
			}
			switch attr.Key {
			case slog.TimeKey:
				if attr.Value.Kind() == slog.KindTime {
					return slog.String("ts", attr.Value.Time().UTC().Format(time.RFC3339))
				}
			case slog.LevelKey:
				return slog.String("level", strings.ToLower(attr.Value.String()))
			}
			return attr
		},
	})
}

// tee sends each record to every handler that accepts its level.
type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(t, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

func (t tee) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, record.Level) {
			errs = append(errs, h.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, line)
	return err
}

// consoleHandler renders one line per record:
//
//	2026-03-01T23:30:00Z INFO [conform us-ca-alameda] executor: stage finished elapsed=2s
//
// The stage and source fields form the bracketed tag and the component
// field prefixes the message. Group names qualify keys with dots.
type consoleHandler struct {
	out    *lockedWriter
	level  slog.Level
	caller bool
	group  string
	attrs  []slog.Attr
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := slices.Clone(h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		attrs = flatten(attrs, h.group, attr)
		return true
	})

	var component, stage, source string
	var b strings.Builder
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	for _, attr := range attrs {
		switch attr.Key {
		case FieldComponent:
			component = firstNonEmpty(component, attr.Value.String())
		case FieldStage:
			stage = firstNonEmpty(stage, attr.Value.String())
		case FieldSource:
			source = firstNonEmpty(source, attr.Value.String())
		}
	}

	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(levelLabel(record.Level))
	if tag := strings.TrimSpace(stage + " " + source); tag != "" {
		b.WriteString(" [" + tag + "]")
	}
	b.WriteByte(' ')
	if component != "" {
		b.WriteString(component + ": ")
	}
	if msg := strings.TrimSpace(record.Message); msg != "" {
		b.WriteString(msg)
	} else {
		b.WriteString("(no message)")
	}
	if h.caller && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		b.WriteString(" [" + filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line) + "]")
	}
	for _, attr := range attrs {
		switch attr.Key {
		case "", FieldComponent, FieldStage, FieldSource:
			continue
		}
		b.WriteString(" " + attr.Key + "=" + quoteIfNeeded(valueText(attr.Value)))
	}
	b.WriteByte('\n')
	return h.out.write(b.String())
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = slices.Clone(h.attrs)
	for _, attr := range attrs {
		next.attrs = flatten(next.attrs, h.group, attr)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.attrs = slices.Clone(h.attrs)
	next.group = qualify(h.group, name)
	return &next
}

func firstNonEmpty(current, candidate string) string {
	if current != "" {
		return current
	}
	return candidate
}

func qualify(group, key string) string {
	switch {
	case group == "":
		return key
	case key == "":
		return group
	default:
		return group + "." + key
	}
}

func flatten(dst []slog.Attr, group string, attr slog.Attr) []slog.Attr {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return dst
	}
	key := qualify(group, attr.Key)
	if attr.Value.Kind() == slog.KindGroup {
		for _, member := range attr.Value.Group() {
			dst = flatten(dst, key, member)
		}
		return dst
	}
	return append(dst, slog.Attr{Key: key, Value: attr.Value})
}

func valueText(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
