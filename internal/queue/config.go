// Package queue ingests uploads delivered through Kafka.
//
// Each message carries one file and its routing coordinates. The Consumer
// feeds it to the same ingestion engine the HTTP API uses and commits the
// message offset once the outcome is final.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/s2report/ingestor/internal/config"
)

const (
	defaultTopic   = "ingestor.uploads"
	defaultGroupID = "ingestor"

	defaultMinBytes = 1
	defaultMaxBytes = 64 << 20
	defaultMaxWait  = 500 * time.Millisecond

	defaultCommitTimeout = 10 * time.Second
)

var (
	// ErrNoBrokers is returned when no Kafka broker is configured.
	ErrNoBrokers = errors.New("at least one kafka broker is required")
	// ErrEmptyTopic is returned when the topic is blank.
	ErrEmptyTopic = errors.New("kafka topic cannot be empty")
	// ErrEmptyGroupID is returned when the consumer group is blank.
	ErrEmptyGroupID = errors.New("kafka consumer group cannot be empty")
	// ErrInvalidFetchBytes is returned when the fetch size bounds are inconsistent.
	ErrInvalidFetchBytes = errors.New("kafka fetch bytes must satisfy 0 < min <= max")
)

// Config holds Kafka consumer configuration.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	// CommitTimeout bounds each offset commit, which runs after the fetch
	// context may already be cancelled.
	CommitTimeout time.Duration
}

// LoadConfig reads Kafka configuration from the environment.
//
// Environment variables:
//   - KAFKA_BROKERS: comma-separated host:port list (required to consume)
//   - KAFKA_TOPIC: upload topic (default: ingestor.uploads)
//   - KAFKA_GROUP_ID: consumer group (default: ingestor)
//   - KAFKA_MIN_BYTES, KAFKA_MAX_BYTES: fetch size bounds
//   - KAFKA_MAX_WAIT: longest a fetch waits for MinBytes (default: 500ms)
//   - KAFKA_COMMIT_TIMEOUT: bound on one offset commit (default: 10s)
func LoadConfig() *Config {
	return &Config{
		Brokers:       config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:         config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
		GroupID:       config.GetEnvStr("KAFKA_GROUP_ID", defaultGroupID),
		MinBytes:      config.GetEnvInt("KAFKA_MIN_BYTES", defaultMinBytes),
		MaxBytes:      config.GetEnvInt("KAFKA_MAX_BYTES", defaultMaxBytes),
		MaxWait:       config.GetEnvDuration("KAFKA_MAX_WAIT", defaultMaxWait),
		CommitTimeout: config.GetEnvDuration("KAFKA_COMMIT_TIMEOUT", defaultCommitTimeout),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrEmptyTopic
	}

	if strings.TrimSpace(c.GroupID) == "" {
		return ErrEmptyGroupID
	}

	if c.MinBytes <= 0 || c.MaxBytes < c.MinBytes {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidFetchBytes, c.MinBytes, c.MaxBytes)
	}

	return nil
}

// String returns the configuration in log-safe form.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Brokers: %s, Topic: %s, GroupID: %s, MaxWait: %s}",
		strings.Join(c.Brokers, ","), c.Topic, c.GroupID, c.MaxWait)
}
