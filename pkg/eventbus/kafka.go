// Package eventbus carries telemetry events over Kafka.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/telemetry"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID is only required for consumers.
	GroupID string
}

func (c KafkaConfig) brokers() ([]string, error) {
	out := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	return out, nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a telemetry.Sink writing one JSON message per event, keyed by
// event type.
type Publisher struct {
	writer kafkaWriter
	failed atomic.Int64
}

var _ telemetry.Sink = (*Publisher)(nil)

// NewPublisher builds an async writer, so Publish never waits on the broker.
func NewPublisher(cfg KafkaConfig) (*Publisher, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	p := &Publisher{}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(_ []kafka.Message, err error) {
			if err != nil {
				p.failed.Add(1)
				log.Printf("warn: eventbus write failed: %v", err)
			}
		},
	}
	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, e telemetry.Event) {
	if p == nil || p.writer == nil {
		return
	}
	value, err := json.Marshal(e)
	if err != nil {
		p.failed.Add(1)
		return
	}
	msg := kafka.Message{Key: []byte(e.Type), Value: value, Time: e.At}
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		p.failed.Add(1)
		log.Printf("warn: eventbus publish failed: %v", err)
	}
}

// Failed counts events that could not be handed to the broker.
func (p *Publisher) Failed() int64 { return p.failed.Load() }

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads events published by Publisher.
type Consumer struct {
	reader kafkaReader
}

func NewConsumer(cfg KafkaConfig) (*Consumer, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{reader: r}, nil
}

func (c *Consumer) ReadEvent(ctx context.Context) (telemetry.Event, error) {
	if c == nil || c.reader == nil {
		return telemetry.Event{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return telemetry.Event{}, err
	}
	var e telemetry.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return telemetry.Event{}, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	return e, nil
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
