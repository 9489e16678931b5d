package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// envRef matches ${NAME} references in string values. Bare $NAME is left
// alone so DSN passwords may contain '$'.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// toStrictJSON turns a config file into JSON for the strict decoder. YAML
// (.yaml, .yml) is converted; other files are read as JSON. In both,
// ${NAME} inside string values is replaced from the environment so secrets
// such as storage.dsn and events.redis_url can stay in .env.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	var v any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		if v == nil {
			return []byte("{}"), nil
		}
	default:
		if !envRef.Match(data) {
			return data, nil
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	}
	var missing []string
	out, err := json.Marshal(normalize(v, &missing))
	if err != nil {
		return nil, fmt.Errorf("config to json: %w", err)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// normalize makes every map key a string and expands env references in
// string leaves. Unset names are collected into missing.
func normalize(in any, missing *[]string) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v, missing)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v, missing)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i], missing)
		}
		return x
	case string:
		return envRef.ReplaceAllStringFunc(x, func(ref string) string {
			name := ref[2 : len(ref)-1]
			val, ok := os.LookupEnv(name)
			if !ok {
				*missing = append(*missing, name)
			}
			return val
		})
	default:
		return in
	}
}
