// Package events publishes payment lifecycle events to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	TopicPaymentCompleted              = "payment.completed"
	TopicPaymentReconciliationRequired = "payment.reconciliation_required"

	DefaultExchange   = "ridepay.events"
	exchangeKindTopic = "topic"
	contentTypeJSON   = "application/json"
	publishTimeout    = 3 * time.Second
)

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// Envelope wraps every published payload.
type Envelope struct {
	Topic      string `json:"topic"`
	OccurredAt int64  `json:"occurredAt"`
	Payload    any    `json:"payload"`
}

// AMQPPublisher publishes JSON envelopes, redialing lazily after a broken channel.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *zap.Logger
	nowFn    func() time.Time

	mu         sync.Mutex
	connection *amqp.Connection
	channel    *amqp.Channel
	closed     bool
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url string, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := &AMQPPublisher{url: url, exchange: exchange, logger: logger, nowFn: time.Now}
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if err := publisher.connectLocked(); err != nil {
		return nil, err
	}
	return publisher, nil
}

func (publisher *AMQPPublisher) connectLocked() error {
	connection, err := amqp.Dial(publisher.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(publisher.exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	publisher.connection = connection
	publisher.channel = channel
	return nil
}

// Publish sends payload under topic as a persistent JSON message.
func (publisher *AMQPPublisher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(Envelope{Topic: topic, OccurredAt: publisher.nowFn().UTC().Unix(), Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.closed {
		return ErrPublisherClosed
	}
	if publisher.channel == nil || publisher.channel.IsClosed() {
		if err := publisher.connectLocked(); err != nil {
			return err
		}
	}
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = publisher.channel.PublishWithContext(publishCtx, publisher.exchange, topic, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    publisher.nowFn().UTC(),
		Body:         body,
	})
	if err != nil {
		_ = publisher.channel.Close()
		publisher.channel = nil
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close shuts the channel and connection.
func (publisher *AMQPPublisher) Close() error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	if publisher.closed {
		return nil
	}
	publisher.closed = true
	var closeErr error
	if publisher.channel != nil {
		closeErr = publisher.channel.Close()
	}
	if publisher.connection != nil {
		if err := publisher.connection.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

// LogPublisher stands in when no broker is configured; events are only logged.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher that writes events to logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (publisher *LogPublisher) Publish(_ context.Context, topic string, payload any) error {
	publisher.logger.Info("event not published, no broker configured", zap.String("topic", topic), zap.Any("payload", payload))
	return nil
}

func (publisher *LogPublisher) Close() error {
	return nil
}
