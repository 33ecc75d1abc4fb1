package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies execution failures.
type ErrorKind string

const (
	ErrorKindGraphValidation    ErrorKind = "GraphValidationError"
	ErrorKindNodeInput          ErrorKind = "NodeInputError"
	ErrorKindTemplateResolution ErrorKind = "TemplateResolutionError"
	ErrorKindNodeOutputSchema   ErrorKind = "NodeOutputSchemaError"
	ErrorKindExternalService    ErrorKind = "ExternalServiceError"
	ErrorKindSandboxExecution   ErrorKind = "SandboxExecutionError"
	ErrorKindResourceLimit      ErrorKind = "ResourceLimitExceeded"
	ErrorKindCancelled          ErrorKind = "Cancelled"
	ErrorKindInternal           ErrorKind = "InternalError"
)

// CodePermanent marks an external failure that repeating the call cannot fix.
const CodePermanent = "permanent"

// ExecutionError is the error value carried through results, run status and
// stream events.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	NodeID  string    `json:"node_id,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString("(" + e.Code + ")")
	}
	if e.NodeID != "" {
		b.WriteString(" at node " + e.NodeID)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches another ExecutionError by kind, and by code when the target sets one.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithNode returns a copy of e attributed to nodeID unless already attributed.
func (e *ExecutionError) WithNode(nodeID string) *ExecutionError {
	if e.NodeID != "" {
		return e
	}
	c := *e
	c.NodeID = nodeID
	return &c
}

// Sentinels for errors.Is checks.
var (
	ErrResourceLimitExceeded = &ExecutionError{Kind: ErrorKindResourceLimit}
	ErrCancelled             = &ExecutionError{Kind: ErrorKindCancelled}
	ErrTemplateResolution    = &ExecutionError{Kind: ErrorKindTemplateResolution}
	ErrNodeInput             = &ExecutionError{Kind: ErrorKindNodeInput}
	ErrNodeOutputSchema      = &ExecutionError{Kind: ErrorKindNodeOutputSchema}
	ErrExternalService       = &ExecutionError{Kind: ErrorKindExternalService}
	ErrSandboxExecution      = &ExecutionError{Kind: ErrorKindSandboxExecution}
	ErrInternal              = &ExecutionError{Kind: ErrorKindInternal}
)

// NewError creates an ExecutionError with a formatted message.
func NewError(kind ErrorKind, nodeID, format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps cause as an ExecutionError of the given kind.
func WrapError(kind ErrorKind, nodeID string, cause error, message string) *ExecutionError {
	if message == "" && cause != nil {
		message = cause.Error()
	} else if cause != nil {
		message = message + ": " + cause.Error()
	}
	return &ExecutionError{Kind: kind, NodeID: nodeID, Message: message, Cause: cause}
}

// AsExecutionError converts any error into an ExecutionError. Context
// cancellation becomes Cancelled, graph validation errors keep their kind and
// everything else is InternalError.
func AsExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	var gv *GraphValidationError
	if errors.As(err, &gv) {
		return &ExecutionError{Kind: ErrorKindGraphValidation, Code: string(gv.Kind), NodeID: gv.NodeID, Message: gv.Message, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ExecutionError{Kind: ErrorKindCancelled, Message: err.Error(), Cause: err}
	}
	return &ExecutionError{Kind: ErrorKindInternal, Message: err.Error(), Cause: err}
}

// KindOf returns the ErrorKind of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsExecutionError(err).Kind
}

// ValidationKind classifies graph validation failures.
type ValidationKind string

const (
	ValidationUnknownNodeKind      ValidationKind = "UnknownNodeKind"
	ValidationDanglingEdge         ValidationKind = "DanglingEdge"
	ValidationCycleDetected        ValidationKind = "CycleDetected"
	ValidationMissingRequiredInput ValidationKind = "MissingRequiredInput"
	ValidationInvalidDefinition    ValidationKind = "InvalidDefinition"
)

// GraphValidationError is returned by the parser.
type GraphValidationError struct {
	Kind    ValidationKind `json:"kind"`
	NodeID  string         `json:"node_id,omitempty"`
	EdgeID  string         `json:"edge_id,omitempty"`
	Input   string         `json:"input,omitempty"`
	Cycle   []string       `json:"cycle,omitempty"`
	Message string         `json:"message"`
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrorKindGraphValidation, e.Kind, e.Message)
}

// Is matches another GraphValidationError of the same kind.
func (e *GraphValidationError) Is(target error) bool {
	t, ok := target.(*GraphValidationError)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnknownNodeKind      = &GraphValidationError{Kind: ValidationUnknownNodeKind}
	ErrDanglingEdge         = &GraphValidationError{Kind: ValidationDanglingEdge}
	ErrCycleDetected        = &GraphValidationError{Kind: ValidationCycleDetected}
	ErrMissingRequiredInput = &GraphValidationError{Kind: ValidationMissingRequiredInput}
	ErrInvalidDefinition    = &GraphValidationError{Kind: ValidationInvalidDefinition}
)
