package nodes

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Condition compares a left operand with value. The left operand is Left
// when present, otherwise the value found at Field.
type Condition struct {
	Field    string      `json:"field,omitempty"`
	Left     interface{} `json:"left,omitempty"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// ConditionGroup combines conditions with "and" (default) or "or".
type ConditionGroup struct {
	Conditions []Condition `json:"conditions"`
	Combine    string      `json:"combine,omitempty"`
}

// FieldLookup resolves a Field path to a value.
type FieldLookup func(path string) (interface{}, bool)

// parseConditionGroup accepts {conditions, combine} or a single condition.
func parseConditionGroup(raw interface{}) (ConditionGroup, error) {
	var group ConditionGroup
	m, ok := raw.(map[string]interface{})
	if !ok {
		return group, fmt.Errorf("condition must be an object, got %T", raw)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return group, err
	}
	if _, multi := m["conditions"]; multi {
		err = json.Unmarshal(data, &group)
	} else {
		var c Condition
		err = json.Unmarshal(data, &c)
		group.Conditions = []Condition{c}
	}
	if err != nil {
		return group, fmt.Errorf("invalid condition: %w", err)
	}
	if group.Combine == "" {
		if mode, ok := m["combineMode"].(string); ok {
			group.Combine = mode
		}
	}
	return group, nil
}

// Evaluate returns the combined result and the per-condition results.
func (g ConditionGroup) Evaluate(lookup FieldLookup) (bool, []bool, error) {
	combine := strings.ToLower(g.Combine)
	if combine == "" {
		combine = "and"
	}
	if combine != "and" && combine != "or" {
		return false, nil, fmt.Errorf("unknown combine mode: %s", g.Combine)
	}

	results := make([]bool, len(g.Conditions))
	for i, c := range g.Conditions {
		left := c.Left
		if left == nil && c.Field != "" {
			left, _ = lookup(c.Field)
		}
		r, err := evaluateCondition(left, c.Operator, c.Value)
		if err != nil {
			return false, nil, err
		}
		results[i] = r
	}

	if len(results) == 0 {
		return false, results, nil
	}
	final := combine == "and"
	for _, r := range results {
		if combine == "and" && !r {
			final = false
			break
		}
		if combine == "or" && r {
			final = true
			break
		}
	}
	return final, results, nil
}

func evaluateCondition(fieldValue interface{}, operator string, value interface{}) (bool, error) {
	switch operator {
	case "equals", "==", "eq":
		return compareEquals(fieldValue, value), nil
	case "notEquals", "!=", "ne":
		return !compareEquals(fieldValue, value), nil
	case "contains":
		return compareContains(fieldValue, value), nil
	case "notContains":
		return !compareContains(fieldValue, value), nil
	case "startsWith":
		return strings.HasPrefix(fmt.Sprintf("%v", fieldValue), fmt.Sprintf("%v", value)), nil
	case "endsWith":
		return strings.HasSuffix(fmt.Sprintf("%v", fieldValue), fmt.Sprintf("%v", value)), nil
	case "greaterThan", ">", "gt":
		return compareNumbers(fieldValue, value, func(a, b float64) bool { return a > b }), nil
	case "lessThan", "<", "lt":
		return compareNumbers(fieldValue, value, func(a, b float64) bool { return a < b }), nil
	case "greaterThanOrEqual", ">=", "gte":
		return compareNumbers(fieldValue, value, func(a, b float64) bool { return a >= b }), nil
	case "lessThanOrEqual", "<=", "lte":
		return compareNumbers(fieldValue, value, func(a, b float64) bool { return a <= b }), nil
	case "isEmpty":
		return isEmpty(fieldValue), nil
	case "isNotEmpty":
		return !isEmpty(fieldValue), nil
	case "isNull":
		return fieldValue == nil, nil
	case "isNotNull":
		return fieldValue != nil, nil
	case "regex", "matches":
		return compareRegex(fieldValue, value)
	case "in":
		return compareIn(fieldValue, value), nil
	case "notIn":
		return !compareIn(fieldValue, value), nil
	case "isTrue":
		return truthy(fieldValue), nil
	case "isFalse":
		return !truthy(fieldValue), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", operator)
	}
}

// getNestedValue walks a dotted path with optional [i] indexes.
func getNestedValue(data map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		key, index := part, -1
		if idx := strings.Index(part, "["); idx != -1 && strings.HasSuffix(part, "]") {
			key = part[:idx]
			n, err := strconv.Atoi(part[idx+1 : len(part)-1])
			if err != nil {
				return nil, false
			}
			index = n
		}

		if key != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			if current, ok = m[key]; !ok {
				return nil, false
			}
		}
		if index >= 0 {
			arr, ok := current.([]interface{})
			if !ok || index >= len(arr) {
				return nil, false
			}
			current = arr[index]
		}
	}
	return current, true
}

func compareEquals(a, b interface{}) bool {
	if af, err := toFloat64(a); err == nil {
		if bf, err := toFloat64(b); err == nil {
			_, aBool := a.(bool)
			_, bBool := b.(bool)
			if !aBool && !bBool {
				return af == bf
			}
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareContains(a, b interface{}) bool {
	if arr, ok := a.([]interface{}); ok {
		for _, item := range arr {
			if compareEquals(item, b) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func compareNumbers(a, b interface{}, cmp func(a, b float64) bool) bool {
	aNum, err1 := toFloat64(a)
	bNum, err2 := toFloat64(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return cmp(aNum, bNum)
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}

	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.String, reflect.Array, reflect.Slice, reflect.Map:
		return val.Len() == 0
	default:
		return false
	}
}

func compareRegex(a, b interface{}) (bool, error) {
	re, err := regexp.Compile(fmt.Sprintf("%v", b))
	if err != nil {
		return false, fmt.Errorf("invalid regex: %w", err)
	}
	return re.MatchString(fmt.Sprintf("%v", a)), nil
}

func compareIn(a, b interface{}) bool {
	var list []interface{}

	switch v := b.(type) {
	case []interface{}:
		list = v
	case string:
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			for _, p := range strings.Split(v, ",") {
				list = append(list, strings.TrimSpace(p))
			}
		}
	default:
		return false
	}

	for _, item := range list {
		if compareEquals(a, item) {
			return true
		}
	}
	return false
}
