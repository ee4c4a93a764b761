package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaEventSink publishes order events keyed by order id so every event of
// one order lands on the same partition.
type KafkaEventSink struct {
	writer messageWriter
}

func NewKafkaEventSink(writer *kafka.Writer) *KafkaEventSink {
	return &KafkaEventSink{writer: writer}
}

func (s *KafkaEventSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// order.submitted.<order id>
	msg := kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-key", Value: []byte(fmt.Sprintf("%s.%s", ev.Type, ev.OrderID))},
		},
	}
	return s.writer.WriteMessages(ctx, msg)
}
