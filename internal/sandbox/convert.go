package sandbox

import (
	"fmt"
	"math"
	"sort"

	"github.com/goccy/go-json"
	lua "github.com/yuin/gopher-lua"
)

const maxConvertDepth = 64

// toLua converts a JSON-like Go value into a Lua value.
func toLua(L *lua.LState, v interface{}) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case int:
		return lua.LNumber(t)
	case int32:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case uint:
		return lua.LNumber(t)
	case uint64:
		return lua.LNumber(t)
	case float32:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return lua.LString(t.String())
		}
		return lua.LNumber(f)
	case []interface{}:
		tbl := L.CreateTable(len(t), 0)
		for _, item := range t {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.CreateTable(len(t), 0)
		for _, item := range t {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.CreateTable(0, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, t[k]))
		}
		return tbl
	default:
		// Normalise anything else through its JSON form.
		data, err := json.Marshal(t)
		if err != nil {
			return lua.LString(fmt.Sprintf("%v", t))
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return lua.LString(string(data))
		}
		return toLua(L, generic)
	}
}

// fromLua converts a Lua value into a JSON-like Go value. Tables with keys
// 1..n become slices, other tables become maps with string keys.
func fromLua(v lua.LValue) (interface{}, error) {
	return fromLuaDepth(v, 0)
}

func fromLuaDepth(v lua.LValue, depth int) (interface{}, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", maxConvertDepth)
	}
	switch t := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(t), nil
	case lua.LString:
		return string(t), nil
	case lua.LNumber:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v cannot be represented", f)
		}
		return f, nil
	case *lua.LTable:
		n := t.MaxN()
		count := 0
		t.ForEach(func(lua.LValue, lua.LValue) { count++ })

		if n > 0 && n == count {
			arr := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				item, err := fromLuaDepth(t.RawGetInt(i), depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, item)
			}
			return arr, nil
		}

		obj := make(map[string]interface{}, count)
		var convErr error
		t.ForEach(func(key, value lua.LValue) {
			if convErr != nil {
				return
			}
			item, err := fromLuaDepth(value, depth+1)
			if err != nil {
				convErr = err
				return
			}
			obj[key.String()] = item
		})
		if convErr != nil {
			return nil, convErr
		}
		return obj, nil
	case *lua.LFunction, *lua.LUserData, *lua.LState:
		return nil, fmt.Errorf("%s values cannot leave the sandbox", v.Type().String())
	default:
		return v.String(), nil
	}
}
