package nodes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
)

// TextTransformExecutor applies one string operation to its text input.
type TextTransformExecutor struct {
	timeout time.Duration
}

func NewTextTransformExecutor(timeout time.Duration) *TextTransformExecutor {
	return &TextTransformExecutor{timeout: timeout}
}

func (e *TextTransformExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{
		Inputs: []workflow.PortSchema{
			{Name: "text", Type: workflow.TypeAny},
			{Name: "items", Type: workflow.TypeArray},
		},
		Outputs: []workflow.PortSchema{
			{Name: "result", Type: workflow.TypeAny},
		},
		DynamicInputs: true,
	}
}

func (e *TextTransformExecutor) Traits() Traits {
	return Traits{DefaultTimeout: e.timeout}
}

func (e *TextTransformExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	operation := inv.stringParam("operation", "")
	var text string
	if v, ok := inv.param("text"); ok {
		text = execctx.Stringify(v)
	}

	var result interface{}
	switch operation {
	case "upper", "uppercase":
		result = strings.ToUpper(text)
	case "lower", "lowercase":
		result = strings.ToLower(text)
	case "trim":
		result = strings.TrimSpace(text)
	case "replace":
		old := inv.stringParam("old", "")
		if old == "" {
			return nil, inputError(inv, "replace requires old")
		}
		result = strings.ReplaceAll(text, old, inv.stringParam("new", ""))
	case "regex_extract":
		matches, err := regexExtract(text, inv.stringParam("pattern", ""), inv)
		if err != nil {
			return nil, inputError(inv, "%v", err)
		}
		result = matches
	case "split":
		parts := strings.Split(text, inv.stringParam("separator", ","))
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		result = out
	case "join":
		items, _ := inv.param("items")
		arr, ok := items.([]interface{})
		if !ok {
			return nil, inputError(inv, "join requires an items array")
		}
		strs := make([]string, len(arr))
		for i, item := range arr {
			strs[i] = execctx.Stringify(item)
		}
		result = strings.Join(strs, inv.stringParam("separator", ","))
	case "truncate":
		length, err := inv.intParam("length", 0)
		if err != nil || length < 0 {
			return nil, inputError(inv, "truncate requires a non-negative length")
		}
		result = truncate(text, length, inv.stringParam("suffix", ""))
	case "template":
		// The template is resolved against the run context before dispatch.
		result = inv.stringParam("template", "")
	case "hash":
		sum, err := hashText(text, inv.stringParam("algorithm", "blake2b-256"))
		if err != nil {
			return nil, inputError(inv, "%v", err)
		}
		result = sum
	default:
		return nil, inputError(inv, "unknown text operation: %q", operation)
	}

	return workflow.Success(map[string]interface{}{"result": result}), nil
}

// regexExtract returns every match, or the given capture group of each match.
func regexExtract(text, pattern string, inv *Invocation) ([]interface{}, error) {
	if pattern == "" {
		return nil, fmt.Errorf("regex_extract requires pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	group, err := inv.intParam("group", 0)
	if err != nil || group < 0 || group > re.NumSubexp() {
		return nil, fmt.Errorf("group must be between 0 and %d", re.NumSubexp())
	}

	found := re.FindAllStringSubmatch(text, -1)
	out := make([]interface{}, 0, len(found))
	for _, m := range found {
		out = append(out, m[group])
	}
	return out, nil
}

// truncate cuts text to length runes and appends suffix when it cut.
func truncate(text string, length int, suffix string) string {
	if utf8.RuneCountInString(text) <= length {
		return text
	}
	runes := []rune(text)
	return string(runes[:length]) + suffix
}

func hashText(text, algorithm string) (string, error) {
	var h hash.Hash
	var err error
	switch algorithm {
	case "blake2b", "blake2b-256":
		h, err = blake2b.New256(nil)
	case "blake2b-512":
		h, err = blake2b.New512(nil)
	case "sha256":
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
	if err != nil {
		return "", err
	}
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)), nil
}
