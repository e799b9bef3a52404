// Package ingest turns queued catalog events into idempotent index
// mutations. The dispatcher resolves a handler per message action
// (after alias translation) and wraps every invocation so a handler
// fault is converted to a retryable outcome instead of killing the
// consumer task.
package ingest

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/catalogforge/strata/pkg/index"
	"github.com/catalogforge/strata/pkg/queue"
)

// Dispatcher maps message actions to index mutation handlers.
type Dispatcher struct {
	store            index.Store
	surfaceConflicts bool
	logger           hclog.Logger
	handlers         map[queue.Action]queue.Handler
}

// Config holds configuration for the dispatcher.
type Config struct {
	// Store is the index store the handlers mutate.
	Store index.Store

	// SurfaceConflicts makes revision conflicts surface as failed
	// outcomes instead of being logged and ignored. The steady-state
	// ingestion path leaves this false: redelivery is expected under
	// at-least-once semantics, so stale revisions are routine.
	SurfaceConflicts bool

	// Logger for dispatch and handler output.
	Logger hclog.Logger
}

// NewDispatcher creates a dispatcher with the standard handler table.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("index store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	d := &Dispatcher{
		store:            cfg.Store,
		surfaceConflicts: cfg.SurfaceConflicts,
		logger:           cfg.Logger.Named("dispatcher"),
	}

	// Create and update share one handler: both index the message's
	// revision, replacing whatever the store holds for the concept.
	d.handlers = map[queue.Action]queue.Handler{
		queue.ActionConceptCreate:  d.handleConceptIndex,
		queue.ActionConceptUpdate:  d.handleConceptIndex,
		queue.ActionConceptDelete:  d.handleConceptDelete,
		queue.ActionProviderDelete: d.handleProviderDelete,
	}

	return d, nil
}

// Handler returns the dispatch entry point wrapped in the recovery
// boundary, suitable for Broker.Subscribe.
func (d *Dispatcher) Handler() queue.Handler {
	return Recovered(d.Dispatch, d.logger)
}

// Dispatch resolves the handler for the message's translated action and
// invokes it. Unrecognized actions are ignored by design and report
// success: the queue may carry event kinds introduced by newer
// producers, and dropping them must not poison the queue.
func (d *Dispatcher) Dispatch(ctx context.Context, msg queue.Message) queue.Outcome {
	action := msg.Action.Canonical()

	handler, ok := d.handlers[action]
	if !ok {
		d.logger.Debug("ignoring unrecognized action",
			"action", msg.Action,
			"message", msg.String(),
		)
		return queue.Success()
	}

	return handler(ctx, msg)
}

// Recovered wraps a handler so any panic is caught and converted to a
// retryable outcome. The fault never propagates to the consumer task.
func Recovered(handler queue.Handler, logger hclog.Logger) queue.Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return func(ctx context.Context, msg queue.Message) (outcome queue.Outcome) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler fault recovered",
					"message", msg.String(),
					"panic", r,
				)
				outcome = queue.Retry(fmt.Sprintf("handler fault: %v", r))
			}
		}()

		return handler(ctx, msg)
	}
}
