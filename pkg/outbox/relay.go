package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/catalogforge/strata/pkg/queue"
)

// Relay polls the outbox for pending events and publishes them to a
// broker exchange, marking rows published as they go. At-least-once: a
// crash between publish and mark republishes the event, which the
// pipeline absorbs through its idempotent handlers.
type Relay struct {
	db           *gorm.DB
	broker       queue.Broker
	exchange     string
	pollInterval time.Duration
	batchSize    int
	logger       hclog.Logger
	stopCh       chan struct{}
}

// RelayConfig holds configuration for the relay.
type RelayConfig struct {
	// DB is the catalog database holding the outbox table.
	DB *gorm.DB

	// Broker receives the published events.
	Broker queue.Broker

	// Exchange is the broker exchange events are published to.
	Exchange string

	// PollInterval is how often the outbox is polled (default: 1s).
	PollInterval time.Duration

	// BatchSize is how many events are processed per poll (default: 100).
	BatchSize int

	// Logger for relay output.
	Logger hclog.Logger
}

// NewRelay creates an outbox relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("exchange is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Relay{
		db:           cfg.DB,
		broker:       cfg.Broker,
		exchange:     cfg.Exchange,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		logger:       cfg.Logger.Named("outbox-relay"),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start runs the polling loop. Blocks until Stop is called or the
// context is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting outbox relay",
		"poll_interval", r.pollInterval,
		"batch_size", r.batchSize,
		"exchange", r.exchange,
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped by context")
			return ctx.Err()

		case <-r.stopCh:
			r.logger.Info("outbox relay stopped")
			return nil

		case <-ticker.C:
			if err := r.RelayPending(); err != nil {
				r.logger.Error("outbox poll failed", "error", err)
			}
		}
	}
}

// Stop signals the polling loop to terminate.
func (r *Relay) Stop() {
	select {
	case <-r.stopCh:
		// Already stopped
	default:
		close(r.stopCh)
	}
}

// RelayPending publishes one batch of pending events. Exported so tests
// and one-shot operator commands can drive the relay without the loop.
func (r *Relay) RelayPending() error {
	events, err := GetPending(r.db, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch pending events: %w", err)
	}

	for i := range events {
		event := &events[i]

		if err := r.broker.PublishToExchange(r.exchange, event.Message()); err != nil {
			// Leave the row pending; the next poll retries it.
			r.logger.Error("failed to publish outbox event",
				"outbox_id", event.ID,
				"action", event.Action,
				"error", err,
			)
			return fmt.Errorf("failed to publish event %d: %w", event.ID, err)
		}

		if err := MarkPublished(r.db, event.ID); err != nil {
			return fmt.Errorf("failed to mark event %d published: %w", event.ID, err)
		}

		r.logger.Debug("relayed catalog event",
			"outbox_id", event.ID,
			"action", event.Action,
			"concept_id", event.ConceptID,
			"revision_id", event.RevisionID,
		)
	}

	return nil
}
