package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"

	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/resilience"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events to a topic keyed by run id.
type Kafka struct {
	topic  string
	writer messageWriter
	retry  resilience.RetryConfig
}

// NewKafka creates a Kafka sink for a comma-separated broker list.
func NewKafka(brokers, topic string, retry resilience.RetryConfig) *Kafka {
	retry.OnRetry = resilience.RetryLogger("kafka", "write event")
	retry.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) || kafkaTemporary(err)
	}
	return &Kafka{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
		retry: retry,
	}
}

// Name implements Sink.
func (k *Kafka) Name() string { return "kafka:" + k.topic }

// Send implements Sink.
func (k *Kafka) Send(ctx context.Context, ev model.RunEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	msg := kafka.Message{
		Key:   []byte(ev.RunID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Event)},
			{Key: "status", Value: []byte(ev.Status)},
		},
	}
	err = resilience.Do(ctx, k.retry, func(ctx context.Context) error {
		return k.writer.WriteMessages(ctx, msg)
	})
	return eris.Wrapf(err, "notify: write to %s", k.topic)
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return eris.Wrap(k.writer.Close(), "notify: close kafka writer")
}

func kafkaTemporary(err error) bool {
	var kerr kafka.Error
	return errors.As(err, &kerr) && kerr.Temporary()
}
