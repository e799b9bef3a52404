// Package memory provides an in-memory index.Store used by unit tests
// and local development. It enforces the same conflict contract as the
// real adapters.
package memory

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/catalogforge/strata/pkg/index"
)

// Store is an in-memory index keyed by concept ID.
type Store struct {
	mu     sync.Mutex
	docs   map[string]index.Document
	logger hclog.Logger
}

// New creates an empty in-memory store.
func New(logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		docs:   make(map[string]index.Document),
		logger: logger.Named("memory-index"),
	}
}

// Index writes the document iff its revision is strictly greater than
// the stored one.
func (s *Store) Index(_ context.Context, doc index.Document, ignoreConflict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.docs[doc.ConceptID]; ok && doc.RevisionID <= existing.RevisionID {
		return s.conflict("Index", doc.ConceptID, doc.RevisionID, existing.RevisionID, ignoreConflict)
	}

	s.docs[doc.ConceptID] = doc
	return nil
}

// Delete removes the document iff revisionID is greater than or equal
// to the stored revision. A missing document is terminal success.
func (s *Store) Delete(_ context.Context, conceptID string, revisionID int64, ignoreConflict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.docs[conceptID]
	if !ok {
		return nil
	}
	if revisionID < existing.RevisionID {
		return s.conflict("Delete", conceptID, revisionID, existing.RevisionID, ignoreConflict)
	}

	delete(s.docs, conceptID)
	return nil
}

// DeleteProvider removes every document owned by the provider.
func (s *Store) DeleteProvider(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conceptID, doc := range s.docs {
		if doc.ProviderID == providerID {
			delete(s.docs, conceptID)
		}
	}
	return nil
}

// Revision returns the stored revision for a concept, if any. Test and
// diagnostic accessor.
func (s *Store) Revision(conceptID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[conceptID]
	return doc.RevisionID, ok
}

// Len returns the number of indexed documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Store) conflict(op, conceptID string, attempted, stored int64, ignoreConflict bool) error {
	if ignoreConflict {
		s.logger.Debug("ignoring revision conflict",
			"op", op,
			"concept_id", conceptID,
			"attempted_revision", attempted,
			"stored_revision", stored,
		)
		return nil
	}
	return &index.Error{Op: op, Err: index.ErrVersionConflict}
}
