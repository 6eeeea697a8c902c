package stdlib

import (
	"encoding/json"

	"vela/internal/value"
	"vela/internal/vm"
)

// newJSONModule implements SPEC_FULL.md §B's `json` module:
// json.encode/json.decode over encoding/json, converting between Vela's
// Table/String/float64/bool/nil value model and Go's interface{} tree.
func newJSONModule(v *vm.VM) (*value.Table, error) {
	return newModule(map[string]value.NativeFn{
		"encode": jsonEncode,
		"decode": jsonDecode,
	}), nil
}

func jsonEncode(args []value.Value) (value.Value, error) {
	v := argAt(args, 0)
	out, err := json.Marshal(toJSONValue(v))
	if err != nil {
		return nil, err
	}
	return value.NewString(string(out)), nil
}

func jsonDecode(args []value.Value) (value.Value, error) {
	s, err := argString(args, 0, "json.decode")
	if err != nil {
		return nil, err
	}
	var raw interface{}
	if derr := json.Unmarshal([]byte(s), &raw); derr != nil {
		return nil, derr
	}
	return fromJSONValue(raw), nil
}

// toJSONValue converts a Vela Value into the interface{} shape
// encoding/json expects, preserving a table's array part as a JSON array
// when the hash part is empty and falling back to an object otherwise.
func toJSONValue(v value.Value) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, float64:
		return t
	case *value.String:
		return t.Chars
	case *value.Table:
		if len(t.HashKeys()) == 0 {
			arr := make([]interface{}, 0, t.ArrayLen())
			for i := 1; i <= t.ArrayLen(); i++ {
				e, _ := t.GetArray(i)
				arr = append(arr, toJSONValue(e))
			}
			return arr
		}
		obj := make(map[string]interface{})
		t.Pairs(func(k, val value.Value) bool {
			obj[value.PlainString(k)] = toJSONValue(val)
			return true
		})
		return obj
	default:
		return value.PlainString(v)
	}
}

// fromJSONValue converts a decoded interface{} tree back into Vela
// values: JSON objects and arrays both become *value.Table (arrays via
// Append, so they occupy the dense array part).
func fromJSONValue(v interface{}) value.Value {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case float64:
		return t
	case string:
		return value.NewString(t)
	case []interface{}:
		out := value.NewTable()
		for _, e := range t {
			out.Append(fromJSONValue(e))
		}
		return out
	case map[string]interface{}:
		out := value.NewTable()
		for k, val := range t {
			out.Set(value.NewString(k), fromJSONValue(val))
		}
		return out
	default:
		return nil
	}
}
