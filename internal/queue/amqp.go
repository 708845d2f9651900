package queue

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crm-bridge/internal/config"
	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Publisher mirrors domain events to RabbitMQ so external consumers
// (analytics, audit) can follow the bridge. Publishing is best-effort:
// a missing broker never blocks conversation handling. The zero-value
// nil Publisher is a disabled publisher.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	prefix  string
}

// NewPublisher dials the broker. When cfg.URL is empty or the broker
// is unreachable it returns nil, which every method accepts.
func NewPublisher(cfg config.AMQPConfig) *Publisher {
	if cfg.URL == "" {
		log.Info().Msg("amqp url not set, event publishing disabled")
		return nil
	}
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		log.Error().Err(err).Msg("could not connect to amqp broker, event publishing disabled")
		return nil
	}
	channel, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("could not open amqp channel, event publishing disabled")
		_ = conn.Close()
		return nil
	}
	log.Info().Str("queue", cfg.Queue).Str("prefix", cfg.QueuePrefix).Msg("amqp connection established")
	return &Publisher{conn: conn, channel: channel, queue: cfg.Queue, prefix: cfg.QueuePrefix}
}

// queueName routes an event to "<prefix>_<queue>". Dots in event names
// become underscores in per-event overrides.
func (p *Publisher) queueName() string {
	return p.prefix + "_" + p.queue
}

type eventEnvelope struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// PublishEvent serializes and publishes one domain event. Safe on a
// nil receiver.
func (p *Publisher) PublishEvent(ev domain.Event) {
	if p == nil {
		return
	}
	body, err := json.Marshal(eventEnvelope{
		Event: strings.ToLower(ev.Name()),
		At:    ev.OccurredAt(),
		Data:  ev,
	})
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name()).Msg("could not serialize event for amqp")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	name := p.queueName()
	if _, err := p.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("queue", name).Msg("could not declare amqp queue")
		return
	}
	err = p.channel.Publish("", name, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("could not publish event to amqp")
		return
	}
	log.Debug().Str("queue", name).Str("event", ev.Name()).Msg("event published to amqp")
}

// Close shuts the channel and connection down. Safe on a nil receiver.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
