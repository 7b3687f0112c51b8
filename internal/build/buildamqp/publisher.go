// Package buildamqp publishes completion events to a RabbitMQ queue.
package buildamqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/appbuild/internal/build"
)

// DefaultQueue is the queue events are published to when none is configured.
const DefaultQueue = "appbuild.events"

type Publisher struct {
	connectionString string // required
	queue            string // required
}

// NewPublisher returns a Publisher that dials connectionString for every event.
func NewPublisher(connectionString, queue string) *Publisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Publisher{connectionString: connectionString, queue: queue}
}

// PublishEvent declares the durable queue and publishes e as a persistent JSON message.
func (p *Publisher) PublishEvent(ctx context.Context, e *build.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("buildamqp: %w", err)
	}

	conn, err := amqp091.Dial(p.connectionString)
	if err != nil {
		return fmt.Errorf("buildamqp: dial: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("buildamqp: channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		p.queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("buildamqp: declare queue %s: %w", p.queue, err)
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    e.OccurredAt,
		Type:         string(e.State),
		MessageId:    e.Nonce,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("buildamqp: publish: %w", err)
	}

	return nil
}
