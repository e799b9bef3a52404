package queue

import "context"

// OutcomeKind classifies the result of one handler invocation.
type OutcomeKind string

const (
	// OutcomeSuccess means the message was fully applied and must not
	// be redelivered.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeRetry means the attempt failed transiently and the message
	// should be redelivered, subject to the retry policy.
	OutcomeRetry OutcomeKind = "retry"

	// OutcomeFailure means the attempt failed. Brokers treat failure the
	// same as retry; the distinction exists for log output.
	OutcomeFailure OutcomeKind = "failure"
)

// Outcome is the result of processing a single message. It lives only
// for the duration of that attempt and is never persisted.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Success returns a terminal-success outcome.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Retry returns an outcome requesting redelivery.
func Retry(reason string) Outcome {
	return Outcome{Kind: OutcomeRetry, Reason: reason}
}

// Failure returns a failed outcome. Redelivered like Retry.
func Failure(reason string) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason}
}

// IsSuccess reports whether the outcome is terminal success.
func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess
}

// Handler processes one message and reports the outcome. Handlers must
// be idempotent per (concept_id, revision_id): exchange fan-out and
// at-least-once redelivery both duplicate messages.
type Handler func(ctx context.Context, msg Message) Outcome
