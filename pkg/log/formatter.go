package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TextFormatter renders entries as a single human readable line:
//
//	2026-01-02T15:04:05.000Z INFO  message key=value ...
type TextFormatter struct {
	DisableTimestamp bool
	ShowCaller       bool
}

func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var b bytes.Buffer
	if !f.DisableTimestamp {
		b.WriteString(entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "%-5s %s", entry.Level.String(), entry.Message)
	keys := sortedKeys(entry.Fields)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	if entry.Error != nil {
		fmt.Fprintf(&b, " error=%q", entry.Error.Error())
	}
	if f.ShowCaller && entry.Caller != "" {
		fmt.Fprintf(&b, " caller=%s", entry.Caller)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct {
	ShowCaller bool
}

func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	m := make(map[string]interface{}, len(entry.Fields)+4)
	for k, v := range entry.Fields {
		if e, ok := v.(error); ok {
			v = e.Error()
		}
		m[k] = v
	}
	m["ts"] = entry.Timestamp.UTC().Format(time.RFC3339Nano)
	m["level"] = entry.Level.String()
	m["msg"] = entry.Message
	if entry.Error != nil {
		m["error"] = entry.Error.Error()
	}
	if f.ShowCaller && entry.Caller != "" {
		m["caller"] = entry.Caller
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
