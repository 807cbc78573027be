package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// appendKeys are the list sections whose "+"-prefixed form appends to
// the plain form instead of replacing it.
var appendKeys = []string{
	"+distributions",
	"+templates",
	"+components",
	"+stages",
	"+plugins",
}

// sectionKeys are the list sections rebuilt by mergeNamedSections once
// any include or the main file contributed a "+" form.
var sectionKeys = []string{
	"distributions",
	"templates",
	"components",
	"stages",
	"plugins",
}

func isAppendKey(key string) bool {
	for _, k := range appendKeys {
		if key == k {
			return true
		}
	}
	return false
}

// deepMerge returns a new map holding a overlaid with b. Maps merge
// recursively, every other value from b replaces the one in a.
func deepMerge(a, b map[string]any) map[string]any {
	result := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for key, bVal := range b {
		if aMap, ok := result[key].(map[string]any); ok {
			if bMap, ok := bVal.(map[string]any); ok {
				result[key] = deepMerge(aMap, bMap)
				continue
			}
		}
		result[key] = bVal
	}
	return result
}

// parseFile reads a builder configuration file, merges its includes and
// flattens the named list sections. The second return value lists the
// absolute paths of every included file, for the watch command.
//
// Includes are merged first, in order. A "+" section key appends. For
// any other key, a later include replaces the accumulated value only
// when that value is empty or a list; map values deep-merge, and a
// scalar set by an earlier include is kept. The including file's own
// keys then override without merging, except "+" keys which keep
// appending. Includes are a single level: an include: key inside an
// included file is inert data.
func parseFile(path string) (map[string]any, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read configuration %s: %w", path, err)
	}

	var conf map[string]any
	if err := yaml.Unmarshal(raw, &conf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}
	if conf == nil {
		conf = map[string]any{}
	}

	includes, err := includeList(conf)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	delete(conf, "include")

	final := map[string]any{}
	included := make([]string, 0, len(includes))
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(filepath.Dir(path), incPath)
		}
		data, err := loadInclude(incPath, final)
		if err != nil {
			return nil, nil, err
		}
		included = append(included, incPath)
		for key, val := range data {
			if isAppendKey(key) {
				final[key] = appendEntries(final[key], val)
				continue
			}
			existing := final[key]
			if _, isList := existing.([]any); emptyValue(existing) || isList {
				final[key] = val
				continue
			}
			if aMap, ok := existing.(map[string]any); ok {
				if bMap, ok := val.(map[string]any); ok {
					final[key] = deepMerge(aMap, bMap)
				} else {
					final[key] = val
				}
				continue
			}
			// A scalar from an earlier include is kept.
		}
	}

	for key, val := range conf {
		if isAppendKey(key) {
			final[key] = appendEntries(final[key], val)
			continue
		}
		final[key] = val
	}

	if err := mergeNamedSections(final); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return final, included, nil
}

// loadInclude reads one included file, YAML or Starlark by extension.
// Starlark scripts see the configuration accumulated from earlier
// includes as the base global.
func loadInclude(path string, base map[string]any) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot find included configuration %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".star") {
		data, err := evalStarlarkConfig(path, raw, base)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate included configuration %s: %w", path, err)
		}
		return data, nil
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse included configuration %s: %w", path, err)
	}
	return data, nil
}

func includeList(conf map[string]any) ([]string, error) {
	raw, ok := conf["include"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a list, got %T", raw)
	}
	includes := make([]string, 0, len(list))
	for _, entry := range list {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("include entries must be strings, got %T", entry)
		}
		includes = append(includes, s)
	}
	return includes, nil
}

// emptyValue reports whether an accumulated include value is absent or
// empty, and so loses to a later include.
func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case int:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func appendEntries(existing, addition any) any {
	list, _ := existing.([]any)
	if add, ok := addition.([]any); ok {
		return append(list, add...)
	}
	return append(list, addition)
}

// mergeNamedSections rebuilds the five list sections whenever a "+"
// form contributed entries. Entries are either bare names or single-key
// maps of name to options; same-name entries deep-merge in first-seen
// order, and the rebuilt list keeps bare names for entries without
// options.
func mergeNamedSections(conf map[string]any) error {
	for _, key := range sectionKeys {
		plusKey := "+" + key
		if _, ok := conf[plusKey]; !ok {
			continue
		}
		base, _ := conf[key].([]any)
		extra, _ := conf[plusKey].([]any)

		names := make([]string, 0, len(base)+len(extra))
		merged := make(map[string]map[string]any)
		for _, entry := range append(append([]any{}, base...), extra...) {
			name, options, err := splitEntry(key, entry)
			if err != nil {
				return err
			}
			if existing, ok := merged[name]; ok {
				merged[name] = deepMerge(existing, options)
				continue
			}
			names = append(names, name)
			merged[name] = options
		}

		rebuilt := make([]any, 0, len(names))
		for _, name := range names {
			if len(merged[name]) == 0 {
				rebuilt = append(rebuilt, name)
				continue
			}
			rebuilt = append(rebuilt, map[string]any{name: merged[name]})
		}
		conf[key] = rebuilt
		delete(conf, plusKey)
	}
	return nil
}

// splitEntry decomposes a section entry into its name and options.
func splitEntry(section string, entry any) (string, map[string]any, error) {
	switch e := entry.(type) {
	case string:
		return e, map[string]any{}, nil
	case map[string]any:
		if len(e) != 1 {
			return "", nil, fmt.Errorf("%s entry must have exactly one name key, got %d", section, len(e))
		}
		for name, options := range e {
			opts, ok := options.(map[string]any)
			if !ok {
				if options == nil {
					return name, map[string]any{}, nil
				}
				return "", nil, fmt.Errorf("%s entry %s: options must be a map, got %T", section, name, options)
			}
			return name, opts, nil
		}
	}
	return "", nil, fmt.Errorf("%s entry must be a name or a name-to-options map, got %T", section, entry)
}

// sectionEntries iterates a list section, yielding each entry's name
// and options map.
func sectionEntries(conf map[string]any, key string) ([]string, map[string]map[string]any, error) {
	raw, _ := conf[key].([]any)
	names := make([]string, 0, len(raw))
	options := make(map[string]map[string]any, len(raw))
	for _, entry := range raw {
		name, opts, err := splitEntry(key, entry)
		if err != nil {
			return nil, nil, err
		}
		if _, seen := options[name]; seen {
			options[name] = deepMerge(options[name], opts)
			continue
		}
		names = append(names, name)
		options[name] = opts
	}
	return names, options, nil
}
