package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReconciliationEvent is published when a successful charge could not be
// recorded in-process. The reconciler replays it until the record exists.
type ReconciliationEvent struct {
	IntentID    string    `json:"intentId"`
	TripID      string    `json:"tripId"`
	AmountCents int64     `json:"amountCents"`
	FailedAt    time.Time `json:"failedAt"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishReconciliation keys by intent id so replays of the same charge land
// on one partition in order.
func (k *KafkaProducer) PublishReconciliation(ev ReconciliationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.IntentID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
