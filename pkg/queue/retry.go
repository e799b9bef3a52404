package queue

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// DefaultRetryDelays mirrors the production deployment: three retry
// steps before a message is abandoned.
func DefaultRetryDelays() []time.Duration {
	return []time.Duration{5 * time.Second, 50 * time.Second, 500 * time.Second}
}

// RetryPolicy decides, per failed delivery, whether a message is
// requeued with an incremented retry counter or abandoned. The number
// of configured delay steps bounds the retries; the step durations
// themselves are advisory for durable brokers (the in-process broker
// requeues immediately).
type RetryPolicy struct {
	delays []time.Duration
	logger hclog.Logger
}

// NewRetryPolicy creates a retry policy with the given delay steps.
func NewRetryPolicy(delays []time.Duration, logger hclog.Logger) *RetryPolicy {
	if delays == nil {
		delays = DefaultRetryDelays()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &RetryPolicy{
		delays: delays,
		logger: logger.Named("retry-policy"),
	}
}

// MaxRetries returns the retry bound: one retry per configured delay
// step, in addition to the original attempt.
func (p *RetryPolicy) MaxRetries() int {
	return len(p.delays)
}

// Delay returns the advisory delay before the given retry attempt
// (0-based). Attempts beyond the configured steps reuse the last step.
func (p *RetryPolicy) Delay(retry int) time.Duration {
	if len(p.delays) == 0 {
		return 0
	}
	if retry >= len(p.delays) {
		retry = len(p.delays) - 1
	}
	return p.delays[retry]
}

// ShouldRetry reports whether the message has retries left.
func (p *RetryPolicy) ShouldRetry(msg Message) bool {
	return msg.RetryCount < p.MaxRetries()
}

// HandleFailure requeues the failed message on its originating queue
// with the retry counter incremented, or abandons it once the retry
// bound is reached. Exhaustion is observable only through the warning
// log; there is no dead-letter record.
func (p *RetryPolicy) HandleFailure(queue string, msg Message, reason string, publish func(queue string, msg Message) error) {
	if !p.ShouldRetry(msg) {
		p.logger.Warn("exceeded max retries, dropping message",
			"queue", queue,
			"message", msg.String(),
			"max_retries", p.MaxRetries(),
			"reason", reason,
		)
		return
	}

	retryMsg := msg.WithRetry()

	p.logger.Debug("requeueing failed message",
		"queue", queue,
		"message", retryMsg.String(),
		"reason", reason,
	)

	if err := publish(queue, retryMsg); err != nil {
		p.logger.Error("failed to requeue message",
			"queue", queue,
			"message", retryMsg.String(),
			"error", err,
		)
	}
}
