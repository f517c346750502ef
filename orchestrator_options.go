package pagegen

import (
	"log/slog"
	"time"
)

// OrchestratorOption configures the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets a structured logger for the orchestrator.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMaxRetries sets how many times a network or timeout failure is retried.
func WithMaxRetries(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.maxRetries = max(0, n)
	}
}

// WithBackoff sets the base and maximum retry delay.
func WithBackoff(base, maxDelay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.baseDelay = base
		o.maxDelay = maxDelay
	}
}

// WithCallTimeout bounds each vendor call. A call that runs out of time
// fails with a timeout ProviderError and is retried.
func WithCallTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.callTimeout = d
	}
}

// WithDispatchInterval paces dispatches to at most one per d, with a burst
// equal to the batch limit.
func WithDispatchInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.dispatchInterval = d
	}
}

// WithRequestBuilder sets how pages become requests, e.g. to apply a
// prompt template.
func WithRequestBuilder(b RequestBuilder) OrchestratorOption {
	return func(o *Orchestrator) {
		if b != nil {
			o.buildRequest = b
		}
	}
}
