package messaging

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/victornm/slangquiz/internal/domain"
	"github.com/victornm/slangquiz/internal/event"
)

const defaultQueue = "slangquiz.games"

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Config struct {
	URL      string
	Queue    string
	EventBus *event.Bus
}

// Message is the body of every published game event.
type Message struct {
	Event  string               `json:"event"`
	GameID string               `json:"game_id"`
	Host   string               `json:"host,omitempty"`
	Winner *string              `json:"winner,omitempty"`
	Scores []domain.PlayerScore `json:"scores,omitempty"`
	Time   time.Time            `json:"time"`
}

// Publisher forwards game lifecycle events to a durable RabbitMQ queue.
type Publisher struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
	ch Channel
}

// Dial connects to the broker, declares the queue and subscribes to the game events.
func Dial(c Config) (*Publisher, error) {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p, err := NewPublisher(ch, c)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn

	return p, nil
}

// NewPublisher uses an already open channel.
func NewPublisher(ch Channel, c Config) (*Publisher, error) {
	p := &Publisher{
		ch:    ch,
		queue: c.Queue,
	}

	if p.queue == "" {
		p.queue = defaultQueue
	}

	if _, err := ch.QueueDeclare(
		p.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", p.queue, err)
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameGameStarted, func(ctx context.Context, e event.Event) error {
			gs := e.(domain.EventGameStarted)
			return p.Publish(ctx, Message{Event: gs.Name(), GameID: gs.GameID, Host: gs.Host})
		})

		c.EventBus.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
			gf := e.(domain.EventGameFinished)
			m := Message{Event: gf.Name(), GameID: gf.GameID, Scores: gf.Scores}
			if gf.Winner != "" {
				m.Winner = &gf.Winner
			}
			return p.Publish(ctx, m)
		})
	}

	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, m Message) error {
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", m.Event, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    m.Time,
		},
	)
	if err != nil {
		return fmt.Errorf("messaging: publish %s: %w", m.Event, err)
	}

	slog.DebugContext(ctx, "messaging: event published", "event", m.Event, "game", m.GameID)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		err = stderrors.Join(err, p.conn.Close())
	}

	return err
}
