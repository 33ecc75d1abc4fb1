package nodes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// param returns the input of that name, falling back to the config key.
func (inv *Invocation) param(name string) (interface{}, bool) {
	if v, ok := inv.Inputs[name]; ok && v != nil {
		return v, true
	}
	v, ok := inv.Config[name]
	return v, ok && v != nil
}

func (inv *Invocation) stringParam(name, def string) string {
	v, ok := inv.param(name)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (inv *Invocation) floatParam(name string, def float64) (float64, error) {
	v, ok := inv.param(name)
	if !ok {
		return def, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

func (inv *Invocation) intParam(name string, def int) (int, error) {
	f, err := inv.floatParam(name, float64(def))
	return int(f), err
}

func (inv *Invocation) mapParam(name string) map[string]interface{} {
	v, _ := inv.param(name)
	m, _ := v.(map[string]interface{})
	return m
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.New("cannot convert to float64")
	}
}

func toStringMap(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err == nil {
			return b
		}
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return !isEmpty(v)
	}
}
