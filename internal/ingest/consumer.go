// Package ingest consumes indicator snapshots from NATS JetStream.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/indicators"
)

const (
	// StreamName is the JetStream stream carrying indicator snapshots.
	StreamName = "INDICATORS"
	// SubjectPrefix is followed by the market symbol.
	SubjectPrefix = "indicators.snapshots."
	// SubjectWildcard subscribes to every market.
	SubjectWildcard = "indicators.snapshots.>"
	// ConsumerName is the durable consumer name.
	ConsumerName = "autotrader-indicator-consumer"
)

// Sink receives validated snapshots. indicators.Cache implements it.
type Sink interface {
	Put(s indicators.Snapshot) bool
}

// Consumer subscribes to indicator events via NATS JetStream.
type Consumer struct {
	nc      *nats.Conn
	sink    Sink
	markets map[string]bool
	logger  zerolog.Logger
}

// NewConsumer creates a consumer that feeds sink. Snapshots for symbols not in
// markets are acknowledged and dropped; an empty markets list accepts all.
func NewConsumer(nc *nats.Conn, sink Sink, markets []string, logger zerolog.Logger) *Consumer {
	c := &Consumer{
		nc:      nc,
		sink:    sink,
		markets: make(map[string]bool, len(markets)),
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
	for _, m := range markets {
		c.markets[m] = true
	}
	return c
}

// Start begins consuming indicator events. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectWildcard},
		Storage:  jetstream.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxBytes: 100 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	// Only the newest snapshot matters after a restart.
	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	c.logger.Info().Msg("started consuming indicator snapshots from NATS JetStream")

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(msg)
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	c.logger.Info().Msg("stopped consuming indicator snapshots")
	return nil
}

// handleMessage validates one event and stores it. Malformed events are
// terminated so they are never redelivered.
func (c *Consumer) handleMessage(msg jetstream.Msg) {
	var event IndicatorEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		c.logger.Warn().Err(err).
			Str("subject", msg.Subject()).
			Msg("failed to unmarshal indicator event, rejecting")
		msg.Term()
		return
	}

	if err := event.Validate(); err != nil {
		c.logger.Warn().Err(err).
			Str("symbol", event.Symbol).
			Str("subject", msg.Subject()).
			Msg("invalid indicator event, rejecting")
		msg.Term()
		return
	}

	if len(c.markets) > 0 && !c.markets[event.Symbol] {
		c.logger.Debug().Str("symbol", event.Symbol).Msg("snapshot for unconfigured market, skipped")
		msg.Ack()
		return
	}

	snap, err := event.ToDomain()
	if err != nil {
		c.logger.Warn().Err(err).
			Str("symbol", event.Symbol).
			Msg("failed to convert indicator event, rejecting")
		msg.Term()
		return
	}

	if c.sink.Put(snap) {
		c.logger.Debug().
			Str("symbol", snap.Symbol).
			Time("timestamp", snap.Timestamp).
			Float64("price", snap.Price).
			Msg("ingested snapshot")
	} else {
		c.logger.Debug().
			Str("symbol", snap.Symbol).
			Time("timestamp", snap.Timestamp).
			Msg("older snapshot, skipped")
	}
	msg.Ack()
}

// ConnectNATS connects to NATS, retrying with capped exponential backoff until
// ctx is cancelled.
func ConnectNATS(ctx context.Context, urls, credsFile, creds string, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("autotrader"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}

	if creds != "" {
		tmpFile, err := os.CreateTemp("", "nats-creds-*.creds")
		if err != nil {
			return nil, fmt.Errorf("create temp credentials file: %w", err)
		}
		if _, err := tmpFile.WriteString(creds); err != nil {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("write credentials: %w", err)
		}
		tmpFile.Close()
		opts = append(opts, nats.UserCredentials(tmpFile.Name()))
	} else if credsFile != "" {
		opts = append(opts, nats.UserCredentials(credsFile))
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for attempt := 1; ; attempt++ {
		nc, err := nats.Connect(urls, opts...)
		if err == nil {
			logger.Info().Str("url", nc.ConnectedUrl()).Int("attempt", attempt).Msg("connected to NATS")
			return nc, nil
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("failed to connect to NATS, retrying...")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to NATS: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}
