package memory

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogforge/strata/pkg/index"
)

func doc(conceptID string, revision int64) index.Document {
	return index.Document{ConceptID: conceptID, RevisionID: revision, ProviderID: "PROV1"}
}

func TestStore_NewerRevisionWins(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	require.NoError(t, s.Index(ctx, doc("C1", 1), true))
	require.NoError(t, s.Index(ctx, doc("C1", 3), true))
	require.NoError(t, s.Index(ctx, doc("C1", 2), true), "stale write is ignored, not failed")

	rev, ok := s.Revision("C1")
	require.True(t, ok)
	assert.Equal(t, int64(3), rev)
}

func TestStore_ConflictSurfacesWhenAsked(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	require.NoError(t, s.Index(ctx, doc("C1", 2), false))

	err := s.Index(ctx, doc("C1", 2), false)
	assert.True(t, index.IsConflict(err), "equal revision is a conflict")

	err = s.Index(ctx, doc("C1", 1), false)
	assert.True(t, index.IsConflict(err))
}

func TestStore_NoRegressionUnderInterleaving(t *testing.T) {
	// Any interleaving of duplicated revisions must leave the store at
	// the maximum applied revision.
	s := New(nil)
	ctx := context.Background()

	revisions := []int64{1, 2, 3, 4, 5, 5, 4, 3, 2, 1, 3, 5, 2}
	rand.Shuffle(len(revisions), func(i, j int) {
		revisions[i], revisions[j] = revisions[j], revisions[i]
	})

	var wg sync.WaitGroup
	for _, rev := range revisions {
		wg.Add(1)
		go func(rev int64) {
			defer wg.Done()
			assert.NoError(t, s.Index(ctx, doc("C1", rev), true))
		}(rev)
	}
	wg.Wait()

	rev, ok := s.Revision("C1")
	require.True(t, ok)
	assert.Equal(t, int64(5), rev)
}

func TestStore_DeleteGreaterOrEqual(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	require.NoError(t, s.Index(ctx, doc("C1", 5), true))

	// Older delete: conflict, ignored.
	require.NoError(t, s.Delete(ctx, "C1", 4, true))
	_, ok := s.Revision("C1")
	assert.True(t, ok)

	// Older delete, surfaced.
	err := s.Delete(ctx, "C1", 4, false)
	assert.True(t, index.IsConflict(err))

	// Equal delete applies.
	require.NoError(t, s.Delete(ctx, "C1", 5, true))
	_, ok = s.Revision("C1")
	assert.False(t, ok)

	// Missing document: terminal success either way.
	assert.NoError(t, s.Delete(ctx, "C1", 1, false))
}

func TestStore_DeleteProvider(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	require.NoError(t, s.Index(ctx, index.Document{ConceptID: "C1", RevisionID: 1, ProviderID: "A"}, true))
	require.NoError(t, s.Index(ctx, index.Document{ConceptID: "C2", RevisionID: 1, ProviderID: "A"}, true))
	require.NoError(t, s.Index(ctx, index.Document{ConceptID: "C3", RevisionID: 1, ProviderID: "B"}, true))

	require.NoError(t, s.DeleteProvider(ctx, "A"))

	assert.Equal(t, 1, s.Len())
	_, ok := s.Revision("C3")
	assert.True(t, ok)
}
