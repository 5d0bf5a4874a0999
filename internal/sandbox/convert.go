package sandbox

import (
	"encoding/json"
	"fmt"
	"math/big"

	"go.starlark.net/starlark"
)

// toStarlark converts a decoded JSON value (or seed variable) into a Starlark
// value. json.Number is decoded losslessly: integers of any size become
// Starlark ints.
func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, ok := new(big.Int).SetString(val.String(), 10); ok {
			return starlark.MakeBigInt(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("sandbox: unrepresentable number %q", val.String())
		}
		return starlark.Float(f), nil
	case *big.Int:
		return starlark.MakeBigInt(val), nil
	case []any:
		elems := make([]starlark.Value, len(val))
		for i, e := range val {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(val))
		for k, e := range val {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("sandbox: cannot convert %T to a script value", v)
	}
}

// fromStarlark converts a Starlark value back into a JSON-sanitizable Go
// value. Oversized ints surface as *big.Int so the sanitizer can apply its
// stringification threshold.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return val.BigInt(), nil
	case starlark.Float:
		return float64(val), nil
	case *starlark.List:
		out := make([]any, 0, val.Len())
		for e := range val.Elements() {
			gv, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(val))
		for _, e := range val {
			gv, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case *starlark.Set:
		out := make([]any, 0, val.Len())
		for e := range val.Elements() {
			gv, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for k, e := range val.Entries() {
			key, ok := starlark.AsString(k)
			if !ok {
				key = k.String()
			}
			gv, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out[key] = gv
		}
		return out, nil
	default:
		// Builtins and other opaque values render as their display string.
		return v.String(), nil
	}
}

// dictToParams converts a script params mapping into the dispatcher's
// argument shape.
func dictToParams(v starlark.Value) (map[string]any, error) {
	if v == nil || v == starlark.None {
		return map[string]any{}, nil
	}
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("params must be a dict, got %s", v.Type())
	}
	gv, err := fromStarlark(d)
	if err != nil {
		return nil, err
	}
	return gv.(map[string]any), nil
}
