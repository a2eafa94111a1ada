package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Timeout bounds one publish so a broker outage does not stall callers.
	Timeout time.Duration
}

// Kafka publishes events as JSON messages keyed by command ID.
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("notify: kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("notify: kafka topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return newKafka(w, cfg.Timeout), nil
}

func newKafka(w messageWriter, timeout time.Duration) *Kafka {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Kafka{writer: w, timeout: timeout}
}

func (k *Kafka) Notify(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(e.Key()),
		Value: b,
		Time:  e.At,
	})
}

func (k *Kafka) Close() error { return k.writer.Close() }

// SplitBrokers parses a comma-separated broker list.
func SplitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
