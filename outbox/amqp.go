package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// ErrNotConfirmed signals the broker nacked a publish.
var ErrNotConfirmed = errors.New("outbox: publish not confirmed")

// AMQPPublisher publishes outbox messages to a topic exchange with publisher
// confirms. The routing key is the message topic. A dropped connection is
// re-dialled on the next publish.
type AMQPPublisher struct {
	url      string
	exchange string
	log      *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials url and declares exchange.
func NewAMQPPublisher(url, exchange string, log *slog.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &AMQPPublisher{url: url, exchange: exchange, log: log}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("outbox: amqp connect: %w", err)
	}
	return p, nil
}

// Publish sends msg and waits for the broker's confirm.
func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive() {
		p.log.WarnContext(ctx, "amqp connection lost, reconnecting")
		if err := p.connect(); err != nil {
			return fmt.Errorf("outbox: amqp reconnect: %w", err)
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(pubCtx, p.exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         msg.Topic,
		Body:         msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("outbox: amqp publish: %w", err)
	}
	acked, err := confirm.WaitContext(pubCtx)
	if err != nil {
		return fmt.Errorf("outbox: amqp confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// Close shuts the channel and connection down.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil && !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *AMQPPublisher) alive() bool {
	return p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed()
}

// connect must be called with mu held.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// LogPublisher writes messages to the log instead of a broker. It is used
// when no broker URL is configured.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher builds a LogPublisher.
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log}
}

// Publish logs msg.
func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	p.log.InfoContext(ctx, "outbox message",
		slog.String("message_id", msg.ID),
		slog.String("topic", msg.Topic),
		slog.String("payload", string(msg.Payload)),
	)
	return nil
}
