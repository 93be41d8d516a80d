package rabbitmq

import (
	"context"
	"encoding/json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"meeting-ingest/config"
	"sync"
	"time"
)

// Publisher sends JSON encoded messages of type T to the configured exchange.
type Publisher[T any] struct {
	mu  sync.Mutex
	ch  *amqp.Channel
	top topology
}

func NewPublisher[T any](conn *amqp.Connection, cfg *config.RabbitMQ) (*Publisher[T], error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	top := newTopology(cfg)
	if err := top.declare(ch); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher[T]{ch: ch, top: top}, nil
}

func (p *Publisher[T]) Publish(ctx context.Context, message T) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.top.exchange, p.top.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *Publisher[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
