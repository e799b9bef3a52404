// Package index defines the boundary to the searchable index store and
// the optimistic-concurrency contract its adapters must honor.
//
// Every write and delete is keyed by (concept_id, revision_id) and
// behaves as a compare-and-swap against the store's currently recorded
// revision for the concept: the recorded revision never decreases as a
// result of applying pipeline messages, regardless of delivery order or
// duplication.
package index

import "context"

// Document is the unit written to the index store.
type Document struct {
	// ConceptID identifies the catalog concept.
	ConceptID string `json:"concept_id"`

	// RevisionID is the external version token. Assigned upstream,
	// monotonically increasing per concept, never reassigned here.
	RevisionID int64 `json:"revision_id"`

	// ConceptType is the concept kind (collection, granule, provider).
	ConceptType string `json:"concept_type,omitempty"`

	// ProviderID is the provider owning the concept. Used for bulk
	// provider deletes.
	ProviderID string `json:"provider_id,omitempty"`

	// Fields holds additional searchable metadata.
	Fields map[string]string `json:"fields,omitempty"`
}

// Store is the index store boundary.
//
// Conflict semantics: Index applies iff the document's revision is
// strictly greater than the stored revision (or no document exists);
// Delete applies iff its revision is greater than or equal to the
// stored revision. When a call conflicts and ignoreConflict is true
// (the steady-state ingestion path, since redelivery is expected under
// at-least-once semantics), the adapter logs the conflict and reports
// success. With ignoreConflict false the conflict surfaces as
// ErrVersionConflict. Deleting a missing document is terminal success.
// Any other fault is transport-level and retryable.
type Store interface {
	// Index writes the document, replacing any existing document for
	// its concept, subject to the conflict contract.
	Index(ctx context.Context, doc Document, ignoreConflict bool) error

	// Delete removes the document for the concept, version-checked
	// against revisionID with greater-or-equal semantics.
	Delete(ctx context.Context, conceptID string, revisionID int64, ignoreConflict bool) error

	// DeleteProvider removes every document belonging to the provider.
	// Bulk operation with no revision token; always applies.
	DeleteProvider(ctx context.Context, providerID string) error
}
