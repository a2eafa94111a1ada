// Package notify publishes terminal outcomes to external listeners: exports
// that completed or timed out, and work items that were dead-lettered.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

type EventType string

const (
	EventExportCompleted EventType = "export.completed"
	EventExportTimedOut  EventType = "export.timedOut"
	EventDeadLettered    EventType = "queue.deadLettered"
)

// Event is the JSON document delivered to listeners.
type Event struct {
	Type      EventType `json:"type"`
	CommandID string    `json:"commandId"`
	Moniker   string    `json:"moniker,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Expected  int       `json:"expected,omitempty"`
	Completed int       `json:"completed,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Key partitions events on the wire so one command's events stay ordered.
func (e Event) Key() string {
	if e.CommandID != "" {
		return e.CommandID
	}
	return e.Moniker
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
	Close() error
}

// Log writes events to a logger. It is the fallback when no broker is set.
type Log struct {
	logger logpkg.Logger
}

func NewLog(logger logpkg.Logger) *Log {
	return &Log{logger: logger.WithComponent("notify")}
}

func (l *Log) Notify(_ context.Context, e Event) error {
	fields := []logpkg.Field{
		logpkg.Str("event", string(e.Type)),
		logpkg.Str("command", e.CommandID),
	}
	if e.Moniker != "" {
		fields = append(fields, logpkg.Str("moniker", e.Moniker))
	}
	if e.Reason != "" {
		fields = append(fields, logpkg.Str("reason", e.Reason))
	}
	switch e.Type {
	case EventExportCompleted:
		l.logger.Info("export completed", append(fields, logpkg.Int("pages", e.Completed))...)
	default:
		l.logger.Warn("terminal outcome", append(fields,
			logpkg.Int("expected", e.Expected),
			logpkg.Int("completed", e.Completed),
			logpkg.Int("attempts", e.Attempts))...)
	}
	return nil
}

func (l *Log) Close() error { return nil }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}

// Memory records events. Tests and the CLI's dry-run mode use it.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Notify(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
