// Package ingest carries driver heartbeats from the HTTP edge to the
// location consumer over Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nehadangwal2003/RideX/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishHeartbeat validates hb and writes it keyed by driver id.
func (k *KafkaProducer) PublishHeartbeat(ctx context.Context, hb models.DriverHeartbeat) error {
	if hb.DriverID == "" {
		return &models.Error{Kind: models.KindInvalidArgument, Field: "driver_id", Msg: "driver id is required"}
	}
	if hb.Online && !hb.Position.Valid() {
		return &models.Error{Kind: models.KindInvalidLocation, Field: "position", Msg: "coordinates out of range"}
	}
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(hb.DriverID), Value: b}); err != nil {
		return fmt.Errorf("publish heartbeat driver=%s: %w", hb.DriverID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeHeartbeat parses a consumed message value.
func DecodeHeartbeat(b []byte) (models.DriverHeartbeat, error) {
	var hb models.DriverHeartbeat
	if err := json.Unmarshal(b, &hb); err != nil {
		return hb, err
	}
	if hb.DriverID == "" {
		return hb, &models.Error{Kind: models.KindInvalidArgument, Field: "driver_id", Msg: "driver id is required"}
	}
	if hb.Online && !hb.Position.Valid() {
		return hb, &models.Error{Kind: models.KindInvalidLocation, Field: "position", Msg: "coordinates out of range"}
	}
	return hb, nil
}
