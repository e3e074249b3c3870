package kafka

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"caserun/internal/domain/execution"
	"caserun/internal/ports"
)

const defaultGroupID = "caserun-worker"

// Config describes the run-request topic a worker consumes.
type Config struct {
	Brokers []string
	Topic   string
	// GroupID shares the topic between workers. Defaults to caserun-worker.
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

func (c Config) readerConfig() (kafkago.ReaderConfig, error) {
	if len(c.Brokers) == 0 {
		return kafkago.ReaderConfig{}, fmt.Errorf("at least one broker must be provided")
	}
	if c.Topic == "" {
		return kafkago.ReaderConfig{}, fmt.Errorf("topic must be provided")
	}

	rc := kafkago.ReaderConfig{
		Brokers:  c.Brokers,
		Topic:    c.Topic,
		GroupID:  c.GroupID,
		MinBytes: c.MinBytes,
		MaxBytes: c.MaxBytes,
		MaxWait:  c.MaxWait,
	}
	if rc.GroupID == "" {
		rc.GroupID = defaultGroupID
	}
	if rc.MinBytes <= 0 {
		rc.MinBytes = 1
	}
	if rc.MaxBytes <= 0 {
		rc.MaxBytes = 10 << 20
	}
	if rc.MaxWait <= 0 {
		rc.MaxWait = time.Second
	}
	return rc, nil
}

var _ ports.RequestSource = (*Consumer)(nil)

// Consumer reads run requests from a Kafka topic.
//
// A message that cannot be graded is not fatal: NextRequest returns the
// request identity it could recover together with an error matching
// execution.ErrInvalidRequest, so the caller can report it and carry on.
type Consumer struct {
	reader messageReader
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// NewConsumer joins the consumer group of cfg.Topic.
func NewConsumer(cfg Config) (*Consumer, error) {
	rc, err := cfg.readerConfig()
	if err != nil {
		return nil, err
	}
	return newConsumer(kafkago.NewReader(rc)), nil
}

func newConsumer(reader messageReader) *Consumer {
	return &Consumer{reader: reader}
}

// NextRequest blocks until the next message arrives or ctx is done.
// A done message ends the stream with io.EOF.
func (c *Consumer) NextRequest(ctx context.Context) (execution.Request, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return execution.Request{}, fmt.Errorf("read run request: %w", err)
	}
	return decodeRequestMessage(msg)
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
