package queue

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Action identifies the catalog mutation a message requests.
type Action string

const (
	// ActionConceptCreate requests indexing of a newly created concept.
	ActionConceptCreate Action = "concept-create"

	// ActionConceptUpdate requests indexing of a new revision of an
	// existing concept.
	ActionConceptUpdate Action = "concept-update"

	// ActionConceptDelete requests removal of a concept from the index,
	// version-checked against the message's revision.
	ActionConceptDelete Action = "concept-delete"

	// ActionProviderDelete requests removal of every concept belonging
	// to a provider. Bulk operation, no revision token.
	ActionProviderDelete Action = "provider-delete"
)

// Deprecated action names still emitted by producers running the older
// protocol revision. Resolved to their canonical form before dispatch.
const (
	ActionIndexConcept  Action = "index-concept"  // alias of concept-update
	ActionDeleteConcept Action = "delete-concept" // alias of concept-delete
)

var actionAliases = map[Action]Action{
	ActionIndexConcept:  ActionConceptUpdate,
	ActionDeleteConcept: ActionConceptDelete,
}

// Canonical resolves deprecated action aliases. Unmapped values are
// returned unchanged, including actions this consumer does not know
// about yet.
func (a Action) Canonical() Action {
	if canonical, ok := actionAliases[a]; ok {
		return canonical
	}
	return a
}

// Message is the event envelope carried on a queue. A message is
// immutable once published; the retry counter only changes by way of
// the copy WithRetry produces.
type Message struct {
	Action     Action `json:"action"`
	ConceptID  string `json:"concept_id,omitempty"`
	RevisionID int64  `json:"revision_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// Validate checks the message for the fields its action requires.
func (m Message) Validate() error {
	err := validation.ValidateStruct(&m,
		validation.Field(&m.Action, validation.Required),
		validation.Field(&m.RetryCount, validation.Min(0)),
	)
	if err != nil {
		return err
	}

	switch m.Action.Canonical() {
	case ActionConceptCreate, ActionConceptUpdate, ActionConceptDelete:
		if m.ConceptID == "" {
			return fmt.Errorf("concept_id is required for action %q", m.Action)
		}
		if m.RevisionID <= 0 {
			return fmt.Errorf("revision_id is required for action %q", m.Action)
		}
	case ActionProviderDelete:
		if m.ProviderID == "" {
			return fmt.Errorf("provider_id is required for action %q", m.Action)
		}
	}

	return nil
}

// WithRetry returns a copy of the message with the retry counter
// incremented. The receiver is left untouched.
func (m Message) WithRetry() Message {
	m.RetryCount++
	return m
}

// Marshal serializes the message to its JSON wire shape.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage deserializes a message from its JSON wire shape.
func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return m, nil
}

// String renders a compact identity for log output.
func (m Message) String() string {
	switch m.Action.Canonical() {
	case ActionProviderDelete:
		return fmt.Sprintf("%s provider=%s retry=%d", m.Action, m.ProviderID, m.RetryCount)
	default:
		return fmt.Sprintf("%s concept=%s revision=%d retry=%d",
			m.Action, m.ConceptID, m.RevisionID, m.RetryCount)
	}
}
