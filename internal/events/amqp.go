package events

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vadiminshakov/cryptodca/internal/domain"
)

const DefaultAMQPExchange = "cryptodca.events"

// AMQPConfig describes the topic exchange events are published to.
type AMQPConfig struct {
	URL      string
	Exchange string
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events to a durable topic exchange, routed by event key.
type AMQPSink struct {
	ch       amqpPublisher
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultAMQPExchange
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}

	return &AMQPSink{ch: ch, exchange: exchange, conn: conn, channel: ch}, nil
}

// Send publishes e as a persistent JSON message.
func (s *AMQPSink) Send(ctx context.Context, e domain.Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	err = s.ch.PublishWithContext(ctx, s.exchange, e.Key(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Timestamp,
		Type:         string(e.Type),
		Body:         payload,
	})
	return errors.Wrapf(err, "publish %s", e.Key())
}

// Close closes the channel and connection.
func (s *AMQPSink) Close() error {
	if s == nil {
		return nil
	}
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
