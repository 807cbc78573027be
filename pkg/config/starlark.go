package config

import (
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// starlarkTimeout bounds one dynamic configuration script.
const starlarkTimeout = 30 * time.Second

// evalStarlarkConfig executes a dynamic configuration script and
// returns the dict its config global holds. The script runs without
// filesystem or network access; print output is discarded. base exposes
// the configuration merged from earlier includes.
func evalStarlarkConfig(path string, src []byte, base map[string]any) (map[string]any, error) {
	thread := &starlark.Thread{
		Name: "config",
		Print: func(_ *starlark.Thread, _ string) {
		},
	}

	type evalResult struct {
		data map[string]any
		err  error
	}
	done := make(chan evalResult, 1)
	go func() {
		data, err := execConfigScript(thread, path, src, base)
		done <- evalResult{data, err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-time.After(starlarkTimeout):
		thread.Cancel("configuration script timeout")
		return nil, fmt.Errorf("script did not finish within %s", starlarkTimeout)
	}
}

func execConfigScript(thread *starlark.Thread, path string, src []byte, base map[string]any) (map[string]any, error) {
	baseVal, err := toStarlarkValue(base)
	if err != nil {
		return nil, fmt.Errorf("cannot expose base configuration: %w", err)
	}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"base":   baseVal,
	}

	globals, err := starlark.ExecFile(thread, path, src, predeclared)
	if err != nil {
		return nil, err
	}

	configVal, ok := globals["config"]
	if !ok {
		return nil, fmt.Errorf("script must assign a config dict")
	}
	value, err := fromStarlarkValue(configVal)
	if err != nil {
		return nil, fmt.Errorf("config global: %w", err)
	}
	data, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be a dict, got %s", configVal.Type())
	}
	return data, nil
}

// toStarlarkValue converts a decoded YAML value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value back to the shapes YAML
// decoding produces, so script output merges like any other include.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return int(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
