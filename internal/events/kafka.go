package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"campusride/internal/modules/ride"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes transitions keyed by ride id, so one ride's events stay
// ordered within a partition.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafka(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: w, timeout: 2 * time.Second}
}

type message struct {
	RideID  string `json:"rideId"`
	From    string `json:"from"`
	To      string `json:"to"`
	ActorID string `json:"actorId,omitempty"`
	At      int64  `json:"at"`
}

func (k *KafkaSink) Append(ctx context.Context, e ride.Event) error {
	b, err := json.Marshal(message{
		RideID:  string(e.RideID),
		From:    string(e.From),
		To:      string(e.To),
		ActorID: string(e.ActorID),
		At:      e.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.RideID), Value: b})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
