// Package meilisearch implements index.Store over a remote Meilisearch
// deployment.
//
// Meilisearch's write path is asynchronous and carries no external
// version token, so the adapter enforces the conflict contract
// client-side: reads the stored revision, compares, then writes and
// awaits task completion. The adapter mutex serializes the
// read-compare-write window per process; cross-process writers must
// share a single ingestion pipeline per index.
package meilisearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/meilisearch/meilisearch-go"

	"github.com/catalogforge/strata/pkg/index"
)

const (
	// taskPollInterval is how often task completion is polled.
	taskPollInterval = 50 * time.Millisecond

	// writeRetries bounds transport-level retries per store call.
	writeRetries = 3
)

// Store is a Meilisearch-backed index store.
type Store struct {
	client meilisearch.ServiceManager
	idx    meilisearch.IndexManager
	mu     sync.Mutex
	logger hclog.Logger
}

// Config contains Meilisearch adapter configuration.
type Config struct {
	// Host is the Meilisearch endpoint, e.g. "http://localhost:7700".
	Host string

	// APIKey authenticates against the deployment. Optional for
	// unprotected dev instances.
	APIKey string

	// IndexUID is the index holding concept documents.
	IndexUID string

	// Logger for adapter output.
	Logger hclog.Logger
}

// conceptDoc is the Meilisearch document shape.
type conceptDoc struct {
	ConceptID   string            `json:"concept_id"`
	RevisionID  int64             `json:"revision_id"`
	ConceptType string            `json:"concept_type,omitempty"`
	ProviderID  string            `json:"provider_id,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// New creates a Meilisearch adapter, ensuring the index exists with
// provider_id filterable for bulk deletes.
func New(cfg Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("meilisearch host required")
	}
	if cfg.IndexUID == "" {
		return nil, fmt.Errorf("meilisearch index UID required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	var opts []meilisearch.Option
	if cfg.APIKey != "" {
		opts = append(opts, meilisearch.WithAPIKey(cfg.APIKey))
	}
	client := meilisearch.New(cfg.Host, opts...)

	s := &Store{
		client: client,
		idx:    client.Index(cfg.IndexUID),
		logger: cfg.Logger.Named("meilisearch-index"),
	}

	if err := s.ensureIndex(context.Background(), cfg.IndexUID); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureIndex creates the index if missing and marks the provider and
// concept-type fields filterable.
func (s *Store) ensureIndex(ctx context.Context, uid string) error {
	task, err := s.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{
		Uid:        uid,
		PrimaryKey: "concept_id",
	})
	if err != nil {
		return fmt.Errorf("failed to create meilisearch index: %w", err)
	}
	if _, err := s.client.WaitForTaskWithContext(ctx, task.TaskUID, taskPollInterval); err != nil {
		// An index_already_exists task failure is fine; anything else
		// would also fail the settings update below.
		s.logger.Debug("create index task did not succeed", "error", err)
	}

	settingsTask, err := s.idx.UpdateFilterableAttributesWithContext(ctx,
		&[]string{"provider_id", "concept_type"})
	if err != nil {
		return fmt.Errorf("failed to update filterable attributes: %w", err)
	}
	if _, err := s.client.WaitForTaskWithContext(ctx, settingsTask.TaskUID, taskPollInterval); err != nil {
		return fmt.Errorf("failed waiting for settings task: %w", err)
	}
	return nil
}

// Index writes the document iff its revision is strictly greater than
// the stored one.
func (s *Store) Index(ctx context.Context, doc index.Document, ignoreConflict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, found, err := s.storedRevision(ctx, doc.ConceptID)
	if err != nil {
		return &index.Error{Op: "Index", Err: index.ErrUnavailable, Msg: err.Error()}
	}
	if found && doc.RevisionID <= stored {
		return s.conflict("Index", doc.ConceptID, doc.RevisionID, stored, ignoreConflict)
	}

	write := func() error {
		task, err := s.idx.AddDocumentsWithContext(ctx, []conceptDoc{{
			ConceptID:   doc.ConceptID,
			RevisionID:  doc.RevisionID,
			ConceptType: doc.ConceptType,
			ProviderID:  doc.ProviderID,
			Fields:      doc.Fields,
		}})
		if err != nil {
			return err
		}
		_, err = s.client.WaitForTaskWithContext(ctx, task.TaskUID, taskPollInterval)
		return err
	}
	if err := s.retryWrite(ctx, write); err != nil {
		return &index.Error{Op: "Index", Err: index.ErrUnavailable, Msg: err.Error()}
	}
	return nil
}

// Delete removes the document iff revisionID is greater than or equal
// to the stored revision. A missing document is terminal success.
func (s *Store) Delete(ctx context.Context, conceptID string, revisionID int64, ignoreConflict bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, found, err := s.storedRevision(ctx, conceptID)
	if err != nil {
		return &index.Error{Op: "Delete", Err: index.ErrUnavailable, Msg: err.Error()}
	}
	if !found {
		return nil
	}
	if revisionID < stored {
		return s.conflict("Delete", conceptID, revisionID, stored, ignoreConflict)
	}

	del := func() error {
		task, err := s.idx.DeleteDocumentWithContext(ctx, conceptID)
		if err != nil {
			return err
		}
		_, err = s.client.WaitForTaskWithContext(ctx, task.TaskUID, taskPollInterval)
		return err
	}
	if err := s.retryWrite(ctx, del); err != nil {
		return &index.Error{Op: "Delete", Err: index.ErrUnavailable, Msg: err.Error()}
	}
	return nil
}

// DeleteProvider removes every document owned by the provider via a
// delete-by-filter task.
func (s *Store) DeleteProvider(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	del := func() error {
		task, err := s.idx.DeleteDocumentsByFilterWithContext(ctx,
			fmt.Sprintf("provider_id = %q", providerID))
		if err != nil {
			return err
		}
		_, err = s.client.WaitForTaskWithContext(ctx, task.TaskUID, taskPollInterval)
		return err
	}
	if err := s.retryWrite(ctx, del); err != nil {
		return &index.Error{Op: "DeleteProvider", Err: index.ErrUnavailable, Msg: err.Error()}
	}

	s.logger.Info("deleted provider documents", "provider_id", providerID)
	return nil
}

// storedRevision fetches the recorded revision for a concept.
func (s *Store) storedRevision(ctx context.Context, conceptID string) (int64, bool, error) {
	var doc conceptDoc
	err := s.idx.GetDocumentWithContext(ctx, conceptID, nil, &doc)
	if err != nil {
		if isNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return doc.RevisionID, true, nil
}

// retryWrite retries transient transport failures with exponential
// backoff, bounded per call.
func (s *Store) retryWrite(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), writeRetries), ctx)
	return backoff.Retry(op, policy)
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

// isNotFound reports whether the error is a Meilisearch 404.
func isNotFound(err error) bool {
	var mErr *meilisearch.Error
	if errors.As(err, &mErr) {
		return mErr.StatusCode == http.StatusNotFound
	}
	return false
}
