package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/apmcore/internal/storageutil"
	"github.com/getsentry/apmcore/internal/timer"
	"github.com/getsentry/apmcore/internal/timeutil"
)

// StorageSink writes each window as one JSON object, compressed with
// Encoding.
type StorageSink struct {
	Storage  storageutil.ObjectHandler
	Prefix   string
	Encoding storageutil.Encoding
}

// ObjectName returns the name under which w is stored.
func (s *StorageSink) ObjectName(w Window) string {
	base := fmt.Sprintf("%d-%d.json", w.Start.Time().UnixMilli(), w.End.Time().UnixMilli())
	return storageutil.ObjectName(s.Prefix, base, s.Encoding)
}

func (s *StorageSink) Write(ctx context.Context, w Window) error {
	return storageutil.WriteObject(ctx, s.Storage, s.ObjectName(w), w)
}

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// AggregateKafkaMessage is one transaction type's aggregate for a window.
type AggregateKafkaMessage struct {
	Start           timeutil.Time `json:"start"`
	End             timeutil.Time `json:"end"`
	TransactionType string        `json:"transaction_type"`
	Agent           string        `json:"agent_id,omitempty"`
	Timers          *timer.Node   `json:"timers"`
	AsyncTimers     *timer.Node   `json:"async_timers,omitempty"`
}

// KafkaSink publishes one message per transaction type, keyed by the
// transaction type so a partition sees every window of that type in order.
type KafkaSink struct {
	Writer  MessageWriter
	AgentID string
}

func (s *KafkaSink) Write(ctx context.Context, w Window) error {
	types := make([]string, 0, len(w.Aggregates))
	for t := range w.Aggregates {
		types = append(types, t)
	}
	sort.Strings(types)

	messages := make([]kafka.Message, 0, len(types))
	for _, t := range types {
		b, err := json.Marshal(AggregateKafkaMessage{
			Start:           w.Start,
			End:             w.End,
			TransactionType: t,
			Agent:           s.AgentID,
			Timers:          w.Aggregates[t],
			AsyncTimers:     w.AsyncAggregates[t],
		})
		if err != nil {
			return err
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(t),
			Value: b,
		})
	}
	return s.Writer.WriteMessages(ctx, messages...)
}
