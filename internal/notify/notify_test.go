package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

type fakeWriter struct {
	msgs   []kgo.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestKafkaKeysByCommand(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, time.Second)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, k.Notify(context.Background(), Event{Type: EventExportTimedOut, CommandID: "cmd-9", Expected: 3, Completed: 2, At: at}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "cmd-9", string(w.msgs[0].Key))

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, EventExportTimedOut, got.Type)
	assert.Equal(t, 2, got.Completed)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafka(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestMultiJoinsErrors(t *testing.T) {
	mem := &Memory{}
	boom := errors.New("broker down")
	m := Multi{mem, newKafka(&fakeWriter{err: boom}, time.Second)}

	err := m.Notify(context.Background(), Event{Type: EventDeadLettered, Moniker: "a.g.delete"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mem.Events(), 1, "earlier notifiers still receive the event")
}

func TestLogNotifierWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := logpkg.NewLogger(
		logpkg.WithOutput(logpkg.NewWriterOutput(&buf)),
		logpkg.WithFormatter(&logpkg.TextFormatter{DisableTimestamp: true}),
	)
	require.NoError(t, NewLog(logger).Notify(context.Background(), Event{Type: EventDeadLettered, Moniker: "a.g.delete", Reason: "poison"}))
	assert.Contains(t, buf.String(), "terminal outcome")
	assert.Contains(t, buf.String(), "poison")
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, SplitBrokers(" a:1, ,b:2 "))
}
