package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Record is one dead-lettered raw message plus routing context for the
// operator tooling that drains the queue.
type Record struct {
	Subject   string    `json:"subject"`
	Payload   []byte    `json:"payload"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is the terminal path for messages that repeatedly fail downstream
// processing. Publishing never blocks the consumer pipeline for long; a
// sink failure is logged and counted, and the message is still acked.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// AMQPSink publishes dead-lettered messages to a durable RabbitMQ queue.
type AMQPSink struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *zap.Logger
}

// NewAMQP connects and declares the durable dead-letter queue.
func NewAMQP(url, queue string, logger *zap.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	return &AMQPSink{
		conn:    conn,
		channel: channel,
		queue:   queue,
		logger:  logger,
	}, nil
}

func (s *AMQPSink) Publish(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}

	err = s.channel.PublishWithContext(
		ctx,
		"",      // exchange
		s.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		s.logger.Error("deadletter.publish_failed",
			zap.String("subject", rec.Subject),
			zap.Error(err))
		return err
	}

	s.logger.Warn("deadletter.published",
		zap.String("subject", rec.Subject),
		zap.String("reason", rec.Reason),
		zap.Int("attempts", rec.Attempts))
	return nil
}

func (s *AMQPSink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// NopSink discards records; used when no dead-letter transport is
// configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, Record) error { return nil }
func (NopSink) Close() error                          { return nil }
