package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memoryindex "github.com/catalogforge/strata/pkg/index/memory"
	"github.com/catalogforge/strata/pkg/queue"
)

func TestHandlers_CreateThenStaleUpdate(t *testing.T) {
	store := memoryindex.New(nil)
	d := newTestDispatcher(t, store, false)
	ctx := context.Background()

	out := d.Dispatch(ctx, queue.Message{
		Action: queue.ActionConceptCreate, ConceptID: "C1200000022-PROV1", RevisionID: 3,
	})
	require.True(t, out.IsSuccess())

	// Redelivered older revision: ignored conflict, still success.
	out = d.Dispatch(ctx, queue.Message{
		Action: queue.ActionConceptUpdate, ConceptID: "C1200000022-PROV1", RevisionID: 2,
	})
	assert.True(t, out.IsSuccess())

	rev, ok := store.Revision("C1200000022-PROV1")
	require.True(t, ok)
	assert.Equal(t, int64(3), rev, "index must not regress to an older revision")
}

func TestHandlers_DeleteSemantics(t *testing.T) {
	store := memoryindex.New(nil)
	d := newTestDispatcher(t, store, false)
	ctx := context.Background()

	require.True(t, d.Dispatch(ctx, queue.Message{
		Action: queue.ActionConceptCreate, ConceptID: "G100-PROV1", RevisionID: 5,
	}).IsSuccess())

	// Delete for an older revision is a conflict, ignored by default.
	assert.True(t, d.Dispatch(ctx, queue.Message{
		Action: queue.ActionConceptDelete, ConceptID: "G100-PROV1", RevisionID: 4,
	}).IsSuccess())
	_, ok := store.Revision("G100-PROV1")
	assert.True(t, ok, "stale delete must not remove the document")

	// Delete at the stored revision applies (greater-or-equal).
	assert.True(t, d.Dispatch(ctx, queue.Message{
		Action: queue.ActionConceptDelete, ConceptID: "G100-PROV1", RevisionID: 5,
	}).IsSuccess())
	_, ok = store.Revision("G100-PROV1")
	assert.False(t, ok)

	// Deleting a missing document is terminal success.
	assert.True(t, d.Dispatch(ctx, queue.Message{
		Action: queue.ActionConceptDelete, ConceptID: "G100-PROV1", RevisionID: 6,
	}).IsSuccess())
}

func TestHandlers_ProviderDelete(t *testing.T) {
	store := memoryindex.New(nil)
	d := newTestDispatcher(t, store, false)
	ctx := context.Background()

	for i, conceptID := range []string{"C1-PROV1", "G2-PROV1", "C3-PROV2"} {
		require.True(t, d.Dispatch(ctx, queue.Message{
			Action: queue.ActionConceptCreate, ConceptID: conceptID, RevisionID: int64(i + 1),
		}).IsSuccess())
	}

	assert.True(t, d.Dispatch(ctx, queue.Message{
		Action: queue.ActionProviderDelete, ProviderID: "PROV1",
	}).IsSuccess())

	_, ok := store.Revision("C1-PROV1")
	assert.False(t, ok)
	_, ok = store.Revision("G2-PROV1")
	assert.False(t, ok)
	_, ok = store.Revision("C3-PROV2")
	assert.True(t, ok, "other providers' documents survive")
}

func TestDocumentFromMessage(t *testing.T) {
	doc := documentFromMessage(queue.Message{
		Action: queue.ActionConceptUpdate, ConceptID: "G1200000001-PODAAC", RevisionID: 7,
	})

	assert.Equal(t, "G1200000001-PODAAC", doc.ConceptID)
	assert.Equal(t, int64(7), doc.RevisionID)
	assert.Equal(t, "granule", doc.ConceptType)
	assert.Equal(t, "PODAAC", doc.ProviderID, "provider derived from the concept ID")
}

func TestDocumentFromMessage_ExplicitProviderWins(t *testing.T) {
	doc := documentFromMessage(queue.Message{
		Action: queue.ActionConceptUpdate, ConceptID: "C1-PROV1", RevisionID: 1,
		ProviderID: "OVERRIDE",
	})
	assert.Equal(t, "OVERRIDE", doc.ProviderID)
}

func TestDocumentFromMessage_UnstructuredID(t *testing.T) {
	doc := documentFromMessage(queue.Message{
		Action: queue.ActionConceptUpdate, ConceptID: "not-a-concept-id", RevisionID: 1,
	})
	assert.Empty(t, doc.ConceptType)
	assert.Empty(t, doc.ProviderID)
}
