package ingest

import (
	"context"

	"github.com/catalogforge/strata/pkg/concept"
	"github.com/catalogforge/strata/pkg/index"
	"github.com/catalogforge/strata/pkg/queue"
)

// handleConceptIndex indexes the message's (concept_id, revision_id)
// into the store, replacing any existing document for the concept.
func (d *Dispatcher) handleConceptIndex(ctx context.Context, msg queue.Message) queue.Outcome {
	doc := documentFromMessage(msg)

	if err := d.store.Index(ctx, doc, !d.surfaceConflicts); err != nil {
		return d.storeOutcome("index", msg, err)
	}

	d.logger.Debug("indexed concept",
		"concept_id", doc.ConceptID,
		"revision_id", doc.RevisionID,
	)
	return queue.Success()
}

// handleConceptDelete removes the concept's document, version-checked
// against the message revision. Deleting a revision older than the
// indexed one is a conflict, not an error.
func (d *Dispatcher) handleConceptDelete(ctx context.Context, msg queue.Message) queue.Outcome {
	if err := d.store.Delete(ctx, msg.ConceptID, msg.RevisionID, !d.surfaceConflicts); err != nil {
		return d.storeOutcome("delete", msg, err)
	}

	d.logger.Debug("deleted concept from index",
		"concept_id", msg.ConceptID,
		"revision_id", msg.RevisionID,
	)
	return queue.Success()
}

// handleProviderDelete removes all documents belonging to the provider.
// Bulk operation, always applied.
func (d *Dispatcher) handleProviderDelete(ctx context.Context, msg queue.Message) queue.Outcome {
	if err := d.store.DeleteProvider(ctx, msg.ProviderID); err != nil {
		return d.storeOutcome("delete provider", msg, err)
	}

	d.logger.Info("deleted provider from index", "provider_id", msg.ProviderID)
	return queue.Success()
}

// storeOutcome maps a store error to an outcome: conflicts that were
// asked to surface are failures, anything else is a transport fault and
// fatal only to the current attempt.
func (d *Dispatcher) storeOutcome(op string, msg queue.Message, err error) queue.Outcome {
	if index.IsConflict(err) {
		d.logger.Warn("revision conflict surfaced",
			"op", op,
			"message", msg.String(),
			"error", err,
		)
		return queue.Failure(err.Error())
	}

	d.logger.Error("index store call failed",
		"op", op,
		"message", msg.String(),
		"error", err,
	)
	return queue.Retry(err.Error())
}

// documentFromMessage builds the index document for a message. Concept
// type and provider are derived from the structured concept ID when it
// parses; the message's provider field wins when present.
func documentFromMessage(msg queue.Message) index.Document {
	doc := index.Document{
		ConceptID:  msg.ConceptID,
		RevisionID: msg.RevisionID,
		ProviderID: msg.ProviderID,
	}

	if id, err := concept.Parse(msg.ConceptID); err == nil {
		doc.ConceptType = id.Type().String()
		if doc.ProviderID == "" {
			doc.ProviderID = id.Provider()
		}
	}

	return doc
}
