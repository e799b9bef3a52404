// Package outbox implements the transactional producer side of the
// ingestion pipeline: catalog mutations record an event row in the same
// database transaction as the mutation itself, and a relay publishes
// pending rows to the broker. The broker-facing pipeline sees ordinary
// messages and does not know they came from an outbox.
package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/catalogforge/strata/pkg/queue"
)

// eventNamespace scopes the UUIDv5 idempotent keys.
var eventNamespace = uuid.MustParse("9f4c1b52-38a2-4a7e-9c2f-6d4a70c5e1bb")

// Event status constants.
const (
	StatusPending   = "pending"
	StatusPublished = "published"
)

// CatalogEvent is one outbox row: a catalog mutation awaiting
// publication to the broker.
type CatalogEvent struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Event identity
	Action     string `gorm:"type:varchar(50);not null" json:"action"`
	ConceptID  string `gorm:"type:varchar(128);index:idx_catalog_events_concept_id" json:"conceptId"`
	RevisionID int64  `json:"revisionId"`
	ProviderID string `gorm:"type:varchar(128)" json:"providerId"`

	// Idempotency key: UUIDv5 over (concept_id, revision_id, action)
	IdempotentKey string `gorm:"type:varchar(64);not null;uniqueIndex" json:"idempotentKey"`

	// Outbox state
	Status      string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_catalog_events_pending" json:"status"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (CatalogEvent) TableName() string {
	return "catalog_events"
}

// NewCatalogEvent builds an outbox row for a message.
func NewCatalogEvent(msg queue.Message) (*CatalogEvent, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &CatalogEvent{
		Action:        string(msg.Action),
		ConceptID:     msg.ConceptID,
		RevisionID:    msg.RevisionID,
		ProviderID:    msg.ProviderID,
		IdempotentKey: IdempotentKey(msg),
		Status:        StatusPending,
	}, nil
}

// IdempotentKey derives the dedupe key for a message. Retries of the
// same logical event map to the same key.
func IdempotentKey(msg queue.Message) string {
	seed := fmt.Sprintf("%s:%d:%s", msg.ConceptID, msg.RevisionID, msg.Action.Canonical())
	return uuid.NewSHA1(eventNamespace, []byte(seed)).String()
}

// Message reconstructs the queue message for this event.
func (e *CatalogEvent) Message() queue.Message {
	return queue.Message{
		Action:     queue.Action(e.Action),
		ConceptID:  e.ConceptID,
		RevisionID: e.RevisionID,
		ProviderID: e.ProviderID,
	}
}

// BeforeCreate ensures the idempotent key is always set.
func (e *CatalogEvent) BeforeCreate(_ *gorm.DB) error {
	if e.IdempotentKey == "" {
		return fmt.Errorf("idempotent_key is required")
	}
	return nil
}

// AutoMigrate creates or updates the outbox schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CatalogEvent{})
}

// GetByIdempotentKey fetches an event by its dedupe key.
func GetByIdempotentKey(db *gorm.DB, key string) (*CatalogEvent, error) {
	var event CatalogEvent
	if err := db.Where("idempotent_key = ?", key).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// GetPending fetches up to limit pending events in insertion order.
func GetPending(db *gorm.DB, limit int) ([]CatalogEvent, error) {
	var events []CatalogEvent
	err := db.Where("status = ?", StatusPending).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// MarkPublished flips an event to published.
func MarkPublished(db *gorm.DB, id uint) error {
	now := time.Now()
	return db.Model(&CatalogEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       StatusPublished,
			"published_at": &now,
		}).Error
}
