package log

import (
	"bytes"
	"encoding/json"
	"errors"
	stdlog "log"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newBufLogger(buf *bytes.Buffer, f Formatter, lvl Level) Logger {
	return NewLogger(WithLevel(lvl), WithFormatter(f), WithOutput(NewWriterOutput(buf)))
}

func TestTextFormatterIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf, &TextFormatter{DisableTimestamp: true}, InfoLevel)
	l.With(Component("feed")).Info("leased", Str("moniker", "a.b.delete"), Int("attempts", 2))

	out := buf.String()
	for _, want := range []string{"INFO", "leased", "component=feed", "moniker=a.b.delete", "attempts=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf, &TextFormatter{DisableTimestamp: true}, WarnLevel)
	l.Info("hidden")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf, &JSONFormatter{}, DebugLevel)
	l.WithError(errors.New("boom")).Error("failed", F("n", 3))

	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["msg"] != "failed" || m["level"] != "ERROR" || m["error"] != "boom" {
		t.Fatalf("unexpected entry: %v", m)
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{DisableTimestamp: true}), WithOutput(NewWriterOutput(&buf)),
		func(b *BaseLogger) { b.redactKeys = []string{"token"} })
	l.Info("auth", Str("token", "secret"))
	if strings.Contains(buf.String(), "secret") || !strings.Contains(buf.String(), "[REDACTED]") {
		t.Fatalf("token not redacted: %q", buf.String())
	}
}

func TestApplyConfig(t *testing.T) {
	l, err := ApplyConfig(&Config{Level: "debug", Format: "json", Outputs: []string{"null"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if l.GetLevel() != DebugLevel {
		t.Fatalf("level = %v", l.GetLevel())
	}
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestToStdLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf, &TextFormatter{DisableTimestamp: true}, InfoLevel)
	std := ToStdLogger(l, WarnLevel)
	std.Print("from stdlib")
	if !strings.Contains(buf.String(), "WARN  from stdlib") {
		t.Fatalf("unexpected: %q", buf.String())
	}
	var _ *stdlog.Logger = std
}

func TestRedactionCoversBaseFieldsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&JSONFormatter{}), WithOutput(NewWriterOutput(&buf)),
		func(b *BaseLogger) { b.redactKeys = []string{"Authorization", "receipt"} })

	l.With(Str("authorization", "Bearer abc")).Info("lease granted",
		Str("RECEIPT", "eyJzIjox"), Str("moniker", "agent-a.ag1.delete"))
	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["authorization"] != redacted || m["RECEIPT"] != redacted {
		t.Fatalf("credentials leaked: %v", m)
	}
	if m["moniker"] != "agent-a.ag1.delete" {
		t.Fatalf("unrelated field altered: %v", m)
	}

	buf.Reset()
	bl := l.(*BaseLogger)
	slog.New(bl.handler()).WithGroup("lease").Info("extended",
		slog.String("receipt", "eyJzIjoy"), slog.Group("item", slog.Int("attempts", 2)))
	m = nil
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal grouped: %v (%q)", err, buf.String())
	}
	if m["lease.receipt"] != redacted {
		t.Fatalf("grouped receipt not redacted: %v", m)
	}
	if m["lease.item.attempts"] != float64(2) {
		t.Fatalf("nested group not flattened: %v", m)
	}
}

func TestApplyConfigRedactsByDefault(t *testing.T) {
	var buf bytes.Buffer
	l, err := ApplyConfig(&Config{Format: "text", Outputs: []string{"null"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	bl := l.(*BaseLogger)
	bl.outputs = []Output{NewWriterOutput(&buf)}
	l.Info("authorized", Str("token", "s3cret"), Str("agent", "agent-a"))
	if strings.Contains(buf.String(), "s3cret") || !strings.Contains(buf.String(), "agent=agent-a") {
		t.Fatalf("default redaction: %q", buf.String())
	}
}

func TestSamplingKeepsInitialThenEveryNth(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{DisableTimestamp: true}), WithOutput(NewWriterOutput(&buf)),
		func(b *BaseLogger) { b.sampleInitial, b.sampleThereafter = 2, 3 })

	for i := 0; i < 10; i++ {
		l.Info("queue empty", Int("i", i))
	}
	// kept: 0, 1, then 2, 5, 8
	if n := strings.Count(buf.String(), "queue empty"); n != 5 {
		t.Fatalf("kept %d entries, want 5:\n%s", n, buf.String())
	}

	buf.Reset()
	for i := 0; i < 4; i++ {
		l.Error("backend unavailable")
	}
	if n := strings.Count(buf.String(), "backend unavailable"); n != 4 {
		t.Fatalf("errors sampled: kept %d", n)
	}
}

func TestSamplerSharedAcrossDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{DisableTimestamp: true}), WithOutput(NewWriterOutput(&buf)),
		func(b *BaseLogger) { b.sampleInitial, b.sampleThereafter = 0, 100 })

	l.Info("reclaimed")
	l.WithComponent("kvq").Info("reclaimed")
	l.With(Str("moniker", "a.b.delete")).Info("reclaimed")
	if n := strings.Count(buf.String(), "reclaimed"); n != 1 {
		t.Fatalf("derived loggers reset sampling: kept %d", n)
	}
}

func TestSamplerResetsEachTick(t *testing.T) {
	s := newSampler(0, 10)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !s.allow(slog.LevelInfo, "m", t0) {
		t.Fatalf("first entry dropped")
	}
	if s.allow(slog.LevelInfo, "m", t0.Add(time.Millisecond)) {
		t.Fatalf("second entry in tick kept")
	}
	if !s.allow(slog.LevelWarn, "m", t0.Add(2*time.Millisecond)) {
		t.Fatalf("levels share a counter")
	}
	if !s.allow(slog.LevelInfo, "m", t0.Add(sampleTick)) {
		t.Fatalf("counter not reset after tick")
	}
	if newSampler(5, 0) != nil {
		t.Fatalf("thereafter 0 should disable sampling")
	}
}

func TestCallerPointsAtCallSite(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf, &TextFormatter{DisableTimestamp: true, ShowCaller: true}, InfoLevel)
	l.Info("here")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Fatalf("caller not at call site: %q", buf.String())
	}
}
