package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"paycore/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"paycore"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	Stream        string        `envconfig:"NATS_STREAM" default:"PAYMENTS"`
	StreamMaxAge  time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
	AuditConsumer string        `envconfig:"NATS_AUDIT_CONSUMER" default:"paycore-audit"`
}

// HeaderCorrelationID carries the request correlation id on published messages.
const HeaderCorrelationID = "Correlation-Id"

// subjectPrefix matches events.Event.Subject.
const subjectPrefix = "events."

// Client wraps a NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// New connects to NATS and ensures the payment event stream exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	c := &Client{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := c.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl(), "stream", cfg.Stream)
	return c, nil
}

func (c *Client) ensureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        c.cfg.Stream,
		Description: "Payment lifecycle events",
		Subjects:    []string{subjectPrefix + events.AggregatePayment + ".>"},
		MaxAge:      c.cfg.StreamMaxAge,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", c.cfg.Stream, err)
	}
	return nil
}

// Close drains and closes the connection
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// Publisher publishes events to JetStream
type Publisher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{js: client.js, logger: logger}
}

var _ events.EventPublisher = (*Publisher)(nil)

// Publish publishes an event. The event id is the JetStream message id, so
// a republished event is deduplicated by the server.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	msg, err := newMsg(event)
	if err != nil {
		return err
	}

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"subject", msg.Subject,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

func newMsg(event *events.Event) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	msg := nats.NewMsg(event.Subject())
	msg.Data = data
	if event.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, event.CorrelationID)
	}
	return msg, nil
}

// Subscriber feeds events from a durable consumer to a handler
type Subscriber struct {
	client *Client
	logger *slog.Logger
}

// NewSubscriber creates a new event subscriber
func NewSubscriber(client *Client, logger *slog.Logger) *Subscriber {
	return &Subscriber{client: client, logger: logger}
}

// Run delivers the handler's event types to it until ctx is done. Messages
// that cannot be decoded are terminated; handler errors are redelivered.
func (s *Subscriber) Run(ctx context.Context, durable string, handler events.EventHandler) error {
	consumer, err := s.client.js.CreateOrUpdateConsumer(ctx, s.client.cfg.Stream, jetstream.ConsumerConfig{
		Durable:        durable,
		FilterSubjects: subjectsFor(handler.EventTypes()),
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		AckWait:        30 * time.Second,
		MaxDeliver:     5,
	})
	if err != nil {
		return fmt.Errorf("ensuring consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("consuming %s: %w", durable, err)
	}
	s.logger.Info("event consumer started", "consumer", durable, "stream", s.client.cfg.Stream)

	<-ctx.Done()
	cc.Stop()
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg jetstream.Msg, handler events.EventHandler) {
	event, err := decode(msg.Data())
	if err != nil {
		s.logger.Error("dropping undecodable event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	if err := handler.Handle(ctx, event); err != nil {
		s.logger.Warn("event handler failed",
			"error", err,
			"event_id", event.ID,
			"type", event.Type,
		)
		_ = msg.NakWithDelay(time.Second)
		return
	}

	if err := msg.Ack(); err != nil {
		s.logger.Error("error acknowledging message", "event_id", event.ID, "error", err)
	}
}

func decode(data []byte) (*events.Event, error) {
	var event events.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.ID == "" || event.Type == "" {
		return nil, errors.New("event without id or type")
	}
	return &event, nil
}

func subjectsFor(types []string) []string {
	subjects := make([]string, len(types))
	for i, t := range types {
		subjects[i] = subjectPrefix + t
	}
	return subjects
}
