package dispatch

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

// KafkaSink publishes every event to a topic keyed by ride id, so all
// events of one ride land on the same partition in order.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) NotifyRideEvent(ctx context.Context, rideID string, t models.EventType, ride *models.Ride) error {
	return k.publish(ctx, rideEvent(rideID, t, ride))
}

func (k *KafkaSink) NotifyDriverCandidates(ctx context.Context, ride *models.Ride, driverIDs []string) error {
	if len(driverIDs) == 0 {
		return nil
	}
	return k.publish(ctx, offerEvent(ride, driverIDs))
}

func (k *KafkaSink) publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "event", Value: []byte(ev.Type)}},
		Time:    ev.At,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s ride=%s: %w", ev.Type, ev.RideID, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
