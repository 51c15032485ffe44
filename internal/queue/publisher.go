package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/s2report/ingestor/internal/routing"
)

const publishTimeout = 30 * time.Second

type (
	// messageWriter is the subset of *kafka.Writer the Publisher uses.
	messageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Publisher enqueues uploads for the Consumer.
	//
	// Messages are keyed by their channel partition so uploads for one channel
	// keep their order.
	Publisher struct {
		writer messageWriter
	}
)

// NewPublisher creates a Publisher writing to cfg's topic.
func NewPublisher(cfg *Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	if cfg.Topic == "" {
		return nil, ErrEmptyTopic
	}

	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           publishTimeout,
		},
	}, nil
}

// Publish enqueues msg.
func (p *Publisher) Publish(ctx context.Context, msg *Message) error {
	if msg == nil || msg.FileName == "" {
		return ErrMissingFileName
	}

	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(routing.ChannelTable(msg.Country, msg.Platform, msg.Channel)),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.FileName, err)
	}

	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
