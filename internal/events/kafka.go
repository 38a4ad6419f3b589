package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client used by Kafka.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka writes events as JSON records keyed by product id, so one product's
// history lands on one partition in order.
type Kafka struct {
	client Producer
	topic  string
}

// NewKafka wraps an existing producer.
func NewKafka(client Producer, topic string) *Kafka {
	return &Kafka{client: client, topic: topic}
}

// DialKafka connects a franz-go client to the given seed brokers.
func DialKafka(brokers []string, topic string) (*Kafka, *kgo.Client, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, nil, err
	}
	return NewKafka(cl, topic), cl, nil
}

// Publish produces all events synchronously.
func (k *Kafka) Publish(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, 0, len(evs))
	for _, ev := range evs {
		rec, err := record(k.topic, ev)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return k.client.ProduceSync(ctx, recs...).FirstErr()
}

func record(topic string, ev Event) (*kgo.Record, error) {
	val, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	key := "authorization"
	if ev.ProductID != nil {
		key = strconv.FormatUint(*ev.ProductID, 10)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: val,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}, nil
}
