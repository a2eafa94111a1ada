package log

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const redacted = "[REDACTED]"

// DefaultRedactKeys are masked by ApplyConfig when no keys are configured.
// Lease receipts are bearer tokens for a claim, so they are masked with
// credentials.
var DefaultRedactKeys = []string{"authorization", "token", "jwtSecret", "receipt"}

// bridgeHandler feeds slog records into the formatter and outputs of a
// BaseLogger. Redaction applies to base attributes and record attributes
// alike; keys match case-insensitively and inside groups by their last segment.
type bridgeHandler struct {
	logger  *BaseLogger
	attrs   []slog.Attr
	groups  []string
	redact  map[string]struct{}
	sampler *sampler
}

func newBridgeHandler(logger *BaseLogger) *bridgeHandler {
	return &bridgeHandler{logger: logger, sampler: logger.sampler}
}

func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.level <= fromSlogLevel(level)
}

func (h *bridgeHandler) Handle(_ context.Context, r slog.Record) error {
	if h.sampler != nil && !h.sampler.allow(r.Level, r.Message, r.Time) {
		return nil
	}
	fields := make(Fields, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		h.put(fields, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		h.put(fields, prefix, a)
		return true
	})

	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
		Caller:    callerOf(r.PC),
	}
	formatted, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, formatted)
	}
	return nil
}

// put flattens a into fields, joining group names with '.'.
func (h *bridgeHandler) put(fields Fields, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		if key == "" {
			key = prefix
		}
		for _, ga := range v.Group() {
			h.put(fields, key, ga)
		}
		return
	}
	if h.masked(a.Key) {
		fields[key] = redacted
		return
	}
	fields[key] = v.Any()
}

func (h *bridgeHandler) masked(key string) bool {
	if len(h.redact) == 0 {
		return false
	}
	_, ok := h.redact[strings.ToLower(key)]
	return ok
}

// WithAttrs records attrs under the current group path.
func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	if len(h.groups) == 0 {
		nh.attrs = append(nh.attrs, attrs...)
	} else {
		args := make([]any, len(attrs))
		for i := range attrs {
			args[i] = attrs[i]
		}
		nh.attrs = append(nh.attrs, slog.Group(strings.Join(h.groups, "."), args...))
	}
	return &nh
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func (h *bridgeHandler) withRedactions(keys []string) *bridgeHandler {
	if len(keys) == 0 {
		return h
	}
	nh := *h
	nh.redact = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		nh.redact[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	return &nh
}

func callerOf(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return frame.File + ":" + strconv.Itoa(frame.Line)
}

// sampler keeps the first initial entries per level and message in each
// tick, then every thereafter-th. Errors are never dropped. One sampler is
// shared by a logger and everything derived from it with With.
type sampler struct {
	tick       time.Duration
	initial    uint64
	thereafter uint64

	mu     sync.Mutex
	start  time.Time
	counts map[string]uint64
}

const sampleTick = time.Second

func newSampler(initial, thereafter int) *sampler {
	if thereafter <= 0 {
		return nil
	}
	if initial < 0 {
		initial = 0
	}
	return &sampler{
		tick:       sampleTick,
		initial:    uint64(initial),
		thereafter: uint64(thereafter),
		counts:     make(map[string]uint64),
	}
}

func (s *sampler) allow(level slog.Level, message string, at time.Time) bool {
	if level >= slog.LevelError {
		return true
	}
	key := strconv.Itoa(int(level)) + ":" + message
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.Sub(s.start) >= s.tick || at.Before(s.start) {
		s.start = at
		clear(s.counts)
	}
	n := s.counts[key]
	s.counts[key] = n + 1
	if n < s.initial {
		return true
	}
	return (n-s.initial)%s.thereafter == 0
}

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel, FatalLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level <= slog.LevelDebug:
		return DebugLevel
	case level < slog.LevelWarn:
		return InfoLevel
	case level < slog.LevelError:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func attrsFromMap(m Fields) []slog.Attr {
	if len(m) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func attrsFromFieldSlice(fields []Field) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

// argsToAttrs pairs up k1, v1, k2, v2 arguments. A non-string key or a
// trailing value is kept under "arg<index>".
func argsToAttrs(args []interface{}) []slog.Attr {
	if len(args) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			attrs = append(attrs, slog.Any("arg"+strconv.Itoa(i), args[i]))
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = "arg" + strconv.Itoa(i)
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}
