// Package retry decides what happens after a node attempt fails.
package retry

import (
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/sandbox"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/resilience"
)

// Action is the verdict for a failed attempt.
type Action string

const (
	// ActionRetry re-queues the node after Delay.
	ActionRetry Action = "retry"
	// ActionFail marks the node Failed and fails the run.
	ActionFail Action = "fail"
	// ActionFallback marks the node Failed and activates its error port.
	ActionFallback Action = "fallback"
	// ActionDefault marks the node Succeeded with the policy's default outputs.
	ActionDefault Action = "default"
	// ActionContinue marks the node Failed and skips its dependents.
	ActionContinue Action = "continue"
	// ActionAbort stops the run regardless of policy.
	ActionAbort Action = "abort"
)

const (
	defaultInitialDelay = 200 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
)

// Subject describes the failing node.
type Subject struct {
	NodeID     string
	Kind       workflow.NodeKind
	Structural bool
	Idempotent bool
	External   bool
	Policy     *workflow.RetryPolicy
}

type Decision struct {
	Action  Action
	Delay   time.Duration
	Outputs map[string]interface{}
	Reason  string
}

type Handler struct {
	jitter float64
	logger logger.Logger
}

type Option func(*Handler)

// WithJitter sets the random spread applied to backoff delays (0..1).
func WithJitter(j float64) Option {
	return func(h *Handler) { h.jitter = j }
}

func NewHandler(log logger.Logger, opts ...Option) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	h := &Handler{jitter: 0.1, logger: log.Named("retry")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Decide returns the verdict after attempt (1-based) failed with err.
func (h *Handler) Decide(s Subject, err *workflow.ExecutionError, attempt int) Decision {
	if err == nil {
		err = workflow.NewError(workflow.ErrorKindInternal, s.NodeID, "attempt failed without an error")
	}

	switch err.Kind {
	case workflow.ErrorKindResourceLimit, workflow.ErrorKindCancelled:
		return Decision{Action: ActionAbort, Reason: string(err.Kind)}
	}

	policy := s.Policy
	if policy == nil {
		return Decision{Action: ActionFail, Reason: "no retry policy"}
	}

	if ok, reason := h.retryable(s, err); ok {
		if attempt <= policy.RetryCount {
			delay := Backoff(policy, attempt-1, h.jitter)
			h.logger.Debug("Retrying node",
				"node_id", s.NodeID,
				"attempt", attempt,
				"delay", delay,
				"error_kind", err.Kind,
			)
			return Decision{Action: ActionRetry, Delay: delay, Reason: "retryable"}
		}
	} else if policy.RetryCount > 0 {
		h.logger.Debug("Not retrying node", "node_id", s.NodeID, "reason", reason)
	}

	return h.exhausted(policy)
}

func (h *Handler) exhausted(policy *workflow.RetryPolicy) Decision {
	switch policy.OnExhaustion {
	case workflow.OnExhaustionFallback:
		return Decision{Action: ActionFallback, Reason: "retries exhausted"}
	case workflow.OnExhaustionDefault:
		outputs := make(map[string]interface{}, len(policy.DefaultOutputs))
		for k, v := range policy.DefaultOutputs {
			outputs[k] = v
		}
		return Decision{Action: ActionDefault, Outputs: outputs, Reason: "retries exhausted"}
	case workflow.OnExhaustionContinue:
		return Decision{Action: ActionContinue, Reason: "retries exhausted"}
	default:
		return Decision{Action: ActionFail, Reason: "retries exhausted"}
	}
}

func (h *Handler) retryable(s Subject, err *workflow.ExecutionError) (bool, string) {
	if s.Structural {
		return false, "structural node"
	}
	if s.External && !s.Idempotent && !s.Policy.Idempotent {
		return false, "external call not marked idempotent"
	}
	switch err.Kind {
	case workflow.ErrorKindGraphValidation:
		return false, "validation error"
	case workflow.ErrorKindExternalService:
		if err.Code == workflow.CodePermanent {
			return false, "permanent upstream error"
		}
	case workflow.ErrorKindSandboxExecution:
		if !sandbox.ErrorKind(err.Code).Retryable() {
			return false, "sandbox " + err.Code
		}
	}
	return true, ""
}

// Backoff returns the delay before retry number attempt+1.
func Backoff(policy *workflow.RetryPolicy, attempt int, jitter float64) time.Duration {
	cfg := resilience.RetryConfig{
		Strategy:          resilience.BackoffExponential,
		InitialDelay:      defaultInitialDelay,
		MaxDelay:          defaultMaxDelay,
		BackoffMultiplier: 2,
		Jitter:            jitter,
	}
	if policy.Backoff == workflow.BackoffFixed {
		cfg.Strategy = resilience.BackoffFixed
	}
	if policy.InitialDelayMs > 0 {
		cfg.InitialDelay = time.Duration(policy.InitialDelayMs) * time.Millisecond
	}
	if policy.MaxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(policy.MaxDelayMs) * time.Millisecond
	}
	return resilience.Delay(cfg, attempt)
}
