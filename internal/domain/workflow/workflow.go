package workflow

import (
	"fmt"
	"reflect"
	"strings"
)

// NodeKind identifies the executor responsible for a node.
type NodeKind string

const (
	KindStart              NodeKind = "start"
	KindEnd                NodeKind = "end"
	KindLLM                NodeKind = "llm"
	KindKnowledgeRetrieval NodeKind = "knowledge_retrieval"
	KindIfElse             NodeKind = "if_else"
	KindLoop               NodeKind = "loop"
	KindVariableSet        NodeKind = "variable_set"
	KindHTTPRequest        NodeKind = "http_request"
	KindTextTransform      NodeKind = "text_transform"
	KindCode               NodeKind = "code"
)

func (k NodeKind) String() string {
	return string(k)
}

// ValueType is the declared type of an input or output port.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeObject  ValueType = "object"
	TypeArray   ValueType = "array"
	TypeAny     ValueType = "any"
)

// Valid reports whether t is a known type. The empty type means any.
func (t ValueType) Valid() bool {
	switch t {
	case "", TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray, TypeAny:
		return true
	}
	return false
}

// Accepts reports whether v conforms to t. nil is accepted by every type;
// presence is checked separately.
func (t ValueType) Accepts(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t {
	case "", TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case TypeObject:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Map
	case TypeArray:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	}
	return false
}

// Definition is the wire format of a workflow.
type Definition struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

type Node struct {
	ID             string                 `json:"id"`
	Kind           NodeKind               `json:"kind"`
	Name           string                 `json:"name,omitempty"`
	ParentID       string                 `json:"parent_id,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
	Inputs         []InputBinding         `json:"inputs,omitempty"`
	Outputs        []OutputDecl           `json:"outputs,omitempty"`
	Retry          *RetryPolicy           `json:"retry,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// Input returns the binding declared for name.
func (n *Node) Input(name string) (InputBinding, bool) {
	for _, in := range n.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputBinding{}, false
}

// DisplayName returns the node name, falling back to its id.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// InputBinding declares an input port on a node. Value may hold a literal or
// a template; Default applies when neither an edge nor a value provides one.
type InputBinding struct {
	Name     string      `json:"name"`
	Type     ValueType   `json:"type,omitempty"`
	Required bool        `json:"required,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

type OutputDecl struct {
	Name string    `json:"name"`
	Type ValueType `json:"type,omitempty"`
}

type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id"`
	SourceOutput string `json:"source_output,omitempty"`
	TargetNodeID string `json:"target_node_id"`
	TargetInput  string `json:"target_input,omitempty"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%s(%s.%s -> %s.%s)", e.ID, e.SourceNodeID, e.SourceOutput, e.TargetNodeID, e.TargetInput)
}

// Port names with control meaning on outgoing edges.
const (
	PortTrue  = "true"
	PortFalse = "false"
	PortError = "error"
)

// NormalizeBranch maps branch aliases onto the canonical true/false ports.
func NormalizeBranch(port string) string {
	switch strings.ToLower(strings.TrimSpace(port)) {
	case "true", "then", "yes":
		return PortTrue
	case "false", "else", "no":
		return PortFalse
	}
	return port
}

// PortSchema describes one input or output of a node kind.
type PortSchema struct {
	Name     string      `json:"name"`
	Type     ValueType   `json:"type"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// NodeSchema is the declared contract of a node kind. Dynamic ports allow
// definition-declared inputs or outputs beyond the fixed ones.
type NodeSchema struct {
	Inputs         []PortSchema `json:"inputs"`
	Outputs        []PortSchema `json:"outputs"`
	DynamicInputs  bool         `json:"dynamic_inputs,omitempty"`
	DynamicOutputs bool         `json:"dynamic_outputs,omitempty"`
}

func (s NodeSchema) Input(name string) (PortSchema, bool) {
	for _, p := range s.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return PortSchema{}, false
}

func (s NodeSchema) Output(name string) (PortSchema, bool) {
	for _, p := range s.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return PortSchema{}, false
}

// EffectiveInputs merges the kind schema with the inputs a node declares.
// Node declarations refine type, requiredness and default of fixed ports.
func EffectiveInputs(schema NodeSchema, node *Node) []PortSchema {
	ports := make([]PortSchema, 0, len(schema.Inputs)+len(node.Inputs))
	seen := make(map[string]int, len(schema.Inputs))
	for _, p := range schema.Inputs {
		seen[p.Name] = len(ports)
		ports = append(ports, p)
	}
	for _, in := range node.Inputs {
		if idx, ok := seen[in.Name]; ok {
			p := ports[idx]
			if in.Type != "" {
				p.Type = in.Type
			}
			p.Required = p.Required || in.Required
			if in.Default != nil {
				p.Default = in.Default
			}
			ports[idx] = p
			continue
		}
		seen[in.Name] = len(ports)
		ports = append(ports, PortSchema{Name: in.Name, Type: in.Type, Required: in.Required, Default: in.Default})
	}
	return ports
}

// EffectiveOutputs merges the kind schema with the outputs a node declares.
func EffectiveOutputs(schema NodeSchema, node *Node) []PortSchema {
	ports := make([]PortSchema, 0, len(schema.Outputs)+len(node.Outputs))
	seen := make(map[string]bool, len(schema.Outputs))
	for _, p := range schema.Outputs {
		seen[p.Name] = true
		ports = append(ports, p)
	}
	for _, out := range node.Outputs {
		if seen[out.Name] {
			continue
		}
		seen[out.Name] = true
		ports = append(ports, PortSchema{Name: out.Name, Type: out.Type})
	}
	return ports
}

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// ExhaustionAction is what happens once a node's retries are used up.
type ExhaustionAction string

const (
	OnExhaustionFail     ExhaustionAction = "fail"
	OnExhaustionFallback ExhaustionAction = "use_fallback_branch"
	OnExhaustionDefault  ExhaustionAction = "return_default"
	OnExhaustionContinue ExhaustionAction = "continue"
)

type RetryPolicy struct {
	RetryCount     int                    `json:"retry_count"`
	Backoff        BackoffKind            `json:"backoff,omitempty"`
	InitialDelayMs int                    `json:"initial_delay_ms,omitempty"`
	MaxDelayMs     int                    `json:"max_delay_ms,omitempty"`
	OnExhaustion   ExhaustionAction       `json:"on_exhaustion,omitempty"`
	DefaultOutputs map[string]interface{} `json:"default_outputs,omitempty"`
	Idempotent     bool                   `json:"idempotent,omitempty"`
}
