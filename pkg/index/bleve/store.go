// Package bleve implements index.Store over an embedded Bleve
// full-text index.
//
// Bleve has no native external versioning, so the adapter enforces the
// conflict contract itself: the revision is stored as a document field
// and every write is a read-compare-write under the adapter mutex. The
// mutex makes the adapter the single writer for its index, which is
// already required by Bleve's index ownership model.
package bleve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/hashicorp/go-hclog"

	"github.com/catalogforge/strata/pkg/index"
)

// providerDeleteBatchSize bounds how many documents one provider-delete
// search page removes at a time.
const providerDeleteBatchSize = 100

// Store is a Bleve-backed index store.
type Store struct {
	idx    bleve.Index
	path   string
	mu     sync.Mutex
	logger hclog.Logger
}

// Config contains Bleve adapter configuration.
type Config struct {
	// Path is the directory holding the Bleve index.
	Path string

	// Logger for adapter output.
	Logger hclog.Logger
}

// New opens or creates the Bleve index at the configured path.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bleve index path required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	idx, err := openOrCreateIndex(cfg.Path, createConceptMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to open bleve index: %w", err)
	}

	return &Store{
		idx:    idx,
		path:   cfg.Path,
		logger: cfg.Logger.Named("bleve-index"),
	}, nil
}

// openOrCreateIndex opens an existing Bleve index or creates a new one.
func openOrCreateIndex(path string, indexMapping mapping.IndexMapping) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		return bleve.New(path, indexMapping)
	}
	return idx, err
}

// createConceptMapping creates the index mapping for concept documents.
func createConceptMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	numericFieldMapping := bleve.NewNumericFieldMapping()
	textFieldMapping := bleve.NewTextFieldMapping()

	docMapping := bleve.NewDocumentMapping()

	// Exact-match fields
	docMapping.AddFieldMappingsAt("concept_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("concept_type", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("provider_id", keywordFieldMapping)

	// Version token, stored for the conflict check
	docMapping.AddFieldMappingsAt("revision_id", numericFieldMapping)

	// Free-form metadata
	docMapping.AddFieldMappingsAt("fields", textFieldMapping)

	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// Index writes the document iff its revision is strictly greater than
// the stored one.
func (s *Store) Index(_ context.Context, doc index.Document, ignoreConflict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, found, err := s.storedRevision(doc.ConceptID)
	if err != nil {
		return &index.Error{Op: "Index", Err: index.ErrUnavailable, Msg: err.Error()}
	}
	if found && doc.RevisionID <= stored {
		return s.conflict("Index", doc.ConceptID, doc.RevisionID, stored, ignoreConflict)
	}

	if err := s.idx.Index(doc.ConceptID, conceptFields(doc)); err != nil {
		return &index.Error{Op: "Index", Err: index.ErrUnavailable, Msg: err.Error()}
	}
	return nil
}

// Delete removes the document iff revisionID is greater than or equal
// to the stored revision. A missing document is terminal success.
func (s *Store) Delete(_ context.Context, conceptID string, revisionID int64, ignoreConflict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, found, err := s.storedRevision(conceptID)
	if err != nil {
		return &index.Error{Op: "Delete", Err: index.ErrUnavailable, Msg: err.Error()}
	}
	if !found {
		return nil
	}
	if revisionID < stored {
		return s.conflict("Delete", conceptID, revisionID, stored, ignoreConflict)
	}

	if err := s.idx.Delete(conceptID); err != nil {
		return &index.Error{Op: "Delete", Err: index.ErrUnavailable, Msg: err.Error()}
	}
	return nil
}

// DeleteProvider removes every document owned by the provider, paging
// through term-query matches in batches.
func (s *Store) DeleteProvider(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for {
		tq := bleve.NewTermQuery(providerID)
		tq.SetField("provider_id")

		req := bleve.NewSearchRequest(tq)
		req.Size = providerDeleteBatchSize

		res, err := s.idx.Search(req)
		if err != nil {
			return &index.Error{Op: "DeleteProvider", Err: index.ErrUnavailable, Msg: err.Error()}
		}
		if len(res.Hits) == 0 {
			break
		}

		batch := s.idx.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := s.idx.Batch(batch); err != nil {
			return &index.Error{Op: "DeleteProvider", Err: index.ErrUnavailable, Msg: err.Error()}
		}
		deleted += len(res.Hits)
	}

	s.logger.Info("deleted provider documents",
		"provider_id", providerID,
		"count", deleted,
	)
	return nil
}

// Close releases the underlying Bleve index.
func (s *Store) Close() error {
	return s.idx.Close()
}

// storedRevision looks up the recorded revision for a concept.
func (s *Store) storedRevision(conceptID string) (int64, bool, error) {
	req := bleve.NewSearchRequest(query.NewDocIDQuery([]string{conceptID}))
	req.Fields = []string{"revision_id"}

	res, err := s.idx.Search(req)
	if err != nil {
		return 0, false, err
	}
	if len(res.Hits) == 0 {
		return 0, false, nil
	}

	revision, ok := res.Hits[0].Fields["revision_id"].(float64)
	if !ok {
		return 0, false, fmt.Errorf("document %s has no revision field", conceptID)
	}
	return int64(revision), true, nil
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

// conceptFields flattens a document for indexing.
func conceptFields(doc index.Document) map[string]interface{} {
	fields := map[string]interface{}{
		"concept_id":   doc.ConceptID,
		"revision_id":  doc.RevisionID,
		"concept_type": doc.ConceptType,
		"provider_id":  doc.ProviderID,
	}
	for k, v := range doc.Fields {
		fields["fields."+k] = v
	}
	return fields
}
