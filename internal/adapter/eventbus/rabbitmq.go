package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/rl1809/printshop/internal/core/domain"
)

const (
	publishTimeout     = 5 * time.Second
	lowStockRoutingKey = "stock.low."
)

// RabbitMQPublisher sends low stock alerts to a durable topic exchange on a
// channel in confirm mode. Publishes are serialized so each confirmation
// matches its message.
type RabbitMQPublisher struct {
	exchange   string
	connection *amqp.Connection

	mu            sync.Mutex
	channel       *amqp.Channel
	notifyConfirm chan amqp.Confirmation
}

func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	log.Info().Str("exchange", exchange).Msg("Connecting to RabbitMQ")
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	p := &RabbitMQPublisher{exchange: exchange, connection: conn}
	if err := p.setupChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) setupChannel() error {
	ch, err := p.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	p.notifyConfirm = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}
	p.channel = ch
	return nil
}

func (p *RabbitMQPublisher) PublishLowStock(ctx context.Context, event domain.LowStockEvent) error {
	routingKey, msg, err := lowStockMessage(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.connection.IsClosed() {
		return errors.New("producer not ready")
	}
	if err := p.channel.Publish(p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case confirm, ok := <-p.notifyConfirm:
		if ok && confirm.Ack {
			log.Debug().Str("entity_id", event.EntityID).Msg("Low stock event confirmed")
			return nil
		}
		return errors.New("message published but not confirmed")
	case <-timer.C:
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *RabbitMQPublisher) Close() {
	if p.connection != nil && !p.connection.IsClosed() {
		p.connection.Close()
	}
}

func lowStockMessage(event domain.LowStockEvent) (string, amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return lowStockRoutingKey + string(event.Kind), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EntityID + ":" + event.At.UTC().Format(time.RFC3339Nano),
		Timestamp:    event.At,
		Body:         body,
	}, nil
}

// LogPublisher writes low stock alerts to the log when no broker is
// configured.
type LogPublisher struct{}

func (LogPublisher) PublishLowStock(_ context.Context, event domain.LowStockEvent) error {
	log.Warn().
		Str("entity_id", event.EntityID).
		Str("kind", string(event.Kind)).
		Int64("available", event.Available).
		Int64("threshold", event.Threshold).
		Msg("Stock below minimum threshold")
	return nil
}
