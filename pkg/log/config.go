package log

import (
	"fmt"
	"strings"
)

// Config declares a logger. Outputs accepts "stderr", "stdout", "null" or a file path.
type Config struct {
	Level      string
	Format     string
	Outputs    []string
	ShowCaller bool
	// RedactKeys masks matching field keys. Empty means DefaultRedactKeys.
	RedactKeys []string

	// Sampling keeps the first SampleInitial entries per message and every
	// SampleThereafter-th after that. Zero disables sampling.
	SampleInitial    int
	SampleThereafter int
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	lvl, err := ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		formatter = &TextFormatter{ShowCaller: cfg.ShowCaller}
	case "json":
		formatter = &JSONFormatter{ShowCaller: cfg.ShowCaller}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	opts := []LoggerOption{WithLevel(lvl), WithFormatter(formatter)}
	for _, name := range cfg.Outputs {
		out, err := outputFor(name)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithOutput(out))
	}
	keys := append([]string(nil), cfg.RedactKeys...)
	if len(keys) == 0 {
		keys = DefaultRedactKeys
	}
	opts = append(opts, func(l *BaseLogger) { l.redactKeys = keys })
	if cfg.SampleThereafter > 0 {
		initial, thereafter := cfg.SampleInitial, cfg.SampleThereafter
		opts = append(opts, func(l *BaseLogger) {
			l.sampleInitial = initial
			l.sampleThereafter = thereafter
		})
	}
	return NewLogger(opts...), nil
}

func outputFor(name string) (Output, error) {
	switch strings.TrimSpace(name) {
	case "", "stderr", "console":
		return NewConsoleOutput(), nil
	case "stdout":
		return &ConsoleOutput{w: stdout()}, nil
	case "null", "none":
		return NullOutput{}, nil
	default:
		out, err := NewFileOutput(name)
		if err != nil {
			return nil, fmt.Errorf("open log output %s: %w", name, err)
		}
		return out, nil
	}
}
