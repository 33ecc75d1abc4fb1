package execctx

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/aiflow-go/internal/domain/workflow"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

const (
	varsRoot = "vars"
	runRoot  = "run"
)

// Resolve replaces placeholders in value. Strings, maps and slices are walked
// recursively. A string that is exactly one placeholder resolves to the raw
// referenced value; otherwise references are interpolated as text.
//
//	{{node_id.output.path}}  committed node output
//	{{vars.name.path}}       latest variable value
//	{{run.id}}               run id, {{run.inputs.x}} run input
func (c *Context) Resolve(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return c.resolveString(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := c.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := c.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveString resolves s and renders the result as text.
func (c *Context) ResolveString(s string) (string, error) {
	v, err := c.resolveString(s)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// HasPlaceholder reports whether s contains a template reference.
func HasPlaceholder(s string) bool {
	return placeholderPattern.MatchString(s)
}

func (c *Context) resolveString(s string) (interface{}, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return c.Lookup(s[matches[0][2]:matches[0][3]])
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, err := c.Lookup(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// Lookup resolves a dotted reference such as "node.output.path".
func (c *Context) Lookup(ref string) (interface{}, error) {
	parts := strings.Split(strings.TrimSpace(ref), ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, unresolved(ref, "empty reference")
	}

	switch parts[0] {
	case varsRoot:
		if len(parts) < 2 {
			return nil, unresolved(ref, "variable name missing")
		}
		v, ok := c.GetVariable(parts[1])
		if !ok {
			return nil, unresolved(ref, fmt.Sprintf("variable %q is not set", parts[1]))
		}
		return walk(ref, v, parts[2:])
	case runRoot:
		if len(parts) == 2 && parts[1] == "id" {
			return c.runID, nil
		}
		if len(parts) >= 2 && parts[1] == "inputs" {
			return walk(ref, c.inputs, parts[2:])
		}
		return nil, unresolved(ref, "unknown run attribute")
	}

	outputs, ok := c.NodeOutputs(parts[0])
	if !ok {
		return nil, unresolved(ref, fmt.Sprintf("node %q has no committed outputs", parts[0]))
	}
	return walk(ref, outputs, parts[1:])
}

func walk(ref string, current interface{}, path []string) (interface{}, error) {
	for _, key := range path {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[key]
			if !ok {
				return nil, unresolved(ref, fmt.Sprintf("key %q not found", key))
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, unresolved(ref, fmt.Sprintf("index %q out of range", key))
			}
			current = node[idx]
		default:
			return nil, unresolved(ref, fmt.Sprintf("cannot descend into %T at %q", current, key))
		}
	}
	return current, nil
}

func unresolved(ref, reason string) *workflow.ExecutionError {
	return workflow.NewError(workflow.ErrorKindTemplateResolution, "", "unresolved reference {{%s}}: %s", ref, reason)
}

// Stringify renders a resolved value as text for interpolation.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
