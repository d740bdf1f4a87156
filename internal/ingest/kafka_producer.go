package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/service-matching/internal/geo"
	"github.com/example/service-matching/internal/models"
)

var ErrInvalidUpdate = errors.New("invalid provider update")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes provider location and availability reports, keyed
// by provider so each provider's updates stay ordered within a partition.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishProviderUpdate(ctx context.Context, u models.ProviderUpdate) error {
	if err := Validate(u); err != nil {
		return err
	}
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.ProviderID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses and validates one message value.
func Decode(value []byte) (models.ProviderUpdate, error) {
	var u models.ProviderUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return u, Validate(u)
}

func Validate(u models.ProviderUpdate) error {
	if u.ProviderID == "" {
		return fmt.Errorf("%w: provider_id is required", ErrInvalidUpdate)
	}
	if !geo.ValidCoord(u.Loc) {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidUpdate)
	}
	return nil
}
