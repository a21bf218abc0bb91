package broadcast

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gamedeck/panel-gateway/pkg/model"
)

// amqpChannel is the subset of *amqp.Channel used by AMQPSink.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes envelopes to a durable queue through the default exchange.
type AMQPSink struct {
	conn    *amqp.Connection
	channel amqpChannel
	queue   string
}

// DialAMQP connects to url and declares queue.
func DialAMQP(url, queue string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %q: %w", queue, err)
	}

	return &AMQPSink{conn: conn, channel: ch, queue: queue}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Send(ctx context.Context, env model.Envelope, data []byte) error {
	priority := uint8(0)
	if env.Type == model.EventLoggedOut {
		priority = 10
	}
	return s.channel.PublishWithContext(
		ctx,
		"",      // exchange
		s.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Type:         env.Type,
			AppId:        env.Service,
			Timestamp:    env.OccurredAt,
			Priority:     priority,
			Body:         data,
		},
	)
}

// Close closes the channel and the connection.
func (s *AMQPSink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
