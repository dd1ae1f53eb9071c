package upload

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes work items to a named queue on a RabbitMQ broker.
// The connection is established lazily on first publish and re-established
// after a broker failure.
type AMQPPublisher struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, queue string) *AMQPPublisher {
	return &AMQPPublisher{url: url, queue: queue}
}

// channel returns a usable channel with the queue declared, dialing the
// broker if needed. Callers must hold p.mu.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrBrokerUnavailable, p.url, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", ErrBrokerUnavailable, err)
	}

	// Matches the converter's declaration: non-durable, non-exclusive,
	// no auto-delete.
	if _, err := ch.QueueDeclare(p.queue, false, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: declare queue %s: %v", ErrBrokerUnavailable, p.queue, err)
	}

	p.conn = conn
	p.ch = ch
	return ch, nil
}

// Publish sends the body to the queue on the default exchange, routed by
// queue name.
func (p *AMQPPublisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		// Drop the cached connection so the next publish redials.
		p.conn.Close()
		p.conn = nil
		p.ch = nil
		return fmt.Errorf("%w: publish to %s: %v", ErrBrokerUnavailable, p.queue, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
