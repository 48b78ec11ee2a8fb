package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
)

// RoutingKeyReportSubmitted is used for events about newly stored reports
const RoutingKeyReportSubmitted = "report.submitted"

// RabbitMQPublisher handles publishing report events to RabbitMQ
type RabbitMQPublisher struct {
	mu           sync.Mutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	exchangeName string
}

// NewRabbitMQPublisher creates a new RabbitMQ publisher
func NewRabbitMQPublisher(url, exchangeName string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare the exchange (idempotent)
	err = channel.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info().
		Str("exchange", exchangeName).
		Msg("RabbitMQ publisher initialized")

	return &RabbitMQPublisher{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
	}, nil
}

// PublishReportSubmitted publishes a report.submitted event
func (p *RabbitMQPublisher) PublishReportSubmitted(ctx context.Context, event models.ReportSubmittedEvent) error {
	return p.publish(ctx, RoutingKeyReportSubmitted, event.ID, event)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, routingKey, messageID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    messageID,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Info().
		Str("routing_key", routingKey).
		Str("exchange", p.exchangeName).
		Int("body_size", len(body)).
		Msg("Message published to RabbitMQ")

	return nil
}

// Close closes the RabbitMQ connection
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close RabbitMQ channel")
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close RabbitMQ connection")
			return err
		}
	}
	log.Info().Msg("RabbitMQ publisher closed")
	return nil
}

// HealthCheck verifies the RabbitMQ connection
func (p *RabbitMQPublisher) HealthCheck(ctx context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("RabbitMQ connection is closed")
	}
	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("RabbitMQ channel is closed")
	}
	return nil
}
