// ABOUTME: Delivery sinks: AMQP broker publisher and in-process loopback.
// ABOUTME: Broker publishes are persistent with message and correlation ids.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDeliverer publishes queued messages to a broker exchange, used
// when the external counterparty consumes from a broker rather than
// being called directly. Messages are published persistent so the broker
// survives restarts without losing them.
type AMQPDeliverer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPDeliverer connects to the broker and declares a durable topic
// exchange.
func NewAMQPDeliverer(url, exchange string) (*AMQPDeliverer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}

	logger := slog.Default().With("component", "amqp-deliverer")
	logger.Info("broker deliverer connected", "exchange", exchange)

	return &AMQPDeliverer{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

// Deliver publishes one message, routed by conversation id.
func (a *AMQPDeliverer) Deliver(ctx context.Context, msg *QueuedMessage) error {
	err := a.ch.PublishWithContext(ctx,
		a.exchange,
		"case."+msg.ConversationID,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.ID,
			CorrelationId: msg.ConversationID,
			Timestamp:     time.Now().UTC(),
			Body:          msg.Payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing message %s: %w", msg.ID, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (a *AMQPDeliverer) Close() error {
	if err := a.ch.Close(); err != nil {
		a.conn.Close()
		return err
	}
	return a.conn.Close()
}

// LoopbackDeliverer hands messages to an in-process channel. Serves
// tests and runs without a broker.
type LoopbackDeliverer struct {
	out chan *QueuedMessage
}

// NewLoopbackDeliverer creates a loopback sink with the given buffer.
func NewLoopbackDeliverer(buffer int) *LoopbackDeliverer {
	return &LoopbackDeliverer{out: make(chan *QueuedMessage, buffer)}
}

func (l *LoopbackDeliverer) Deliver(ctx context.Context, msg *QueuedMessage) error {
	select {
	case l.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages exposes the delivered stream.
func (l *LoopbackDeliverer) Messages() <-chan *QueuedMessage {
	return l.out
}
