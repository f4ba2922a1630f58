package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/gavelhq/gavel/internal/engine"
)

// Config holds NATS publisher settings.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default publisher configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "auction.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Publisher mirrors auction events onto NATS subjects so out-of-process
// consumers (audit, notifications) can follow live auctions without a
// WebSocket connection. Events go to "<prefix>.<EventType>".
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// New connects to NATS and returns a publisher.
func New(config Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Publisher{nc: nc, prefix: config.SubjectPrefix}, nil
}

// envelope is the wire format for mirrored events.
type envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	AuctionID string          `json:"auctionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Publish mirrors one event. Delivery is fire-and-forget; the engine never
// blocks on the bus.
func (p *Publisher) Publish(ctx context.Context, event *engine.Event) error {
	subject := fmt.Sprintf("%s.%s", p.prefix, event.Type)

	data, err := json.Marshal(envelope{
		EventID:   event.ID,
		EventType: string(event.Type),
		AuctionID: event.AuctionID,
		Timestamp: event.Timestamp,
		Payload:   event.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
