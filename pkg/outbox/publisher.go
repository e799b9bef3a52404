package outbox

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/catalogforge/strata/pkg/queue"
)

// Publisher records catalog events in the outbox. Record must be called
// within the same transaction as the catalog mutation so the event and
// the mutation commit or roll back together.
type Publisher struct {
	db     *gorm.DB
	logger hclog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(db *gorm.DB, logger hclog.Logger) *Publisher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Publisher{
		db:     db,
		logger: logger.Named("outbox-publisher"),
	}
}

// Record writes the event row inside tx, suppressing duplicates by
// idempotent key.
func (p *Publisher) Record(tx *gorm.DB, msg queue.Message) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}

	event, err := NewCatalogEvent(msg)
	if err != nil {
		return fmt.Errorf("failed to build outbox event: %w", err)
	}

	existing, err := GetByIdempotentKey(tx, event.IdempotentKey)
	if err != nil && err != gorm.ErrRecordNotFound {
		return fmt.Errorf("failed to check for existing outbox event: %w", err)
	}
	if existing != nil {
		p.logger.Debug("skipping duplicate outbox event",
			"idempotent_key", event.IdempotentKey,
			"existing_id", existing.ID,
		)
		return nil
	}

	if err := tx.Create(event).Error; err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}

	p.logger.Debug("recorded catalog event",
		"action", event.Action,
		"concept_id", event.ConceptID,
		"revision_id", event.RevisionID,
		"outbox_id", event.ID,
	)
	return nil
}

// WithTransaction runs fn in a transaction and records the message it
// returns. Convenience for callers mutating the catalog and publishing
// in one step.
func (p *Publisher) WithTransaction(fn func(tx *gorm.DB) (queue.Message, error)) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		msg, err := fn(tx)
		if err != nil {
			return err
		}
		return p.Record(tx, msg)
	})
}
