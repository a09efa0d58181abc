package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/feichai0017/compliance-processor/pkg/logger"
)

type RabbitConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// RabbitPublisher sends events to a durable topic exchange.
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      logger.Logger

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
}

func NewRabbitPublisher(cfg RabbitConfig, log logger.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	return &RabbitPublisher{
		conn:     conn,
		channel:  ch,
		exchange: cfg.Exchange,
		log:      log.Named("events"),
	}, nil
}

func (p *RabbitPublisher) PublishJobEvent(ctx context.Context, evt JobEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		evt.RoutingKey(),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    evt.OccurredAt,
			MessageId:    evt.JobID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	p.log.Debug("Published job event",
		logger.JobID(evt.JobID),
		logger.String("routingKey", evt.RoutingKey()),
	)
	return nil
}

func (p *RabbitPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.log.Warn("Failed to close channel", logger.Error(err))
	}
	return p.conn.Close()
}
