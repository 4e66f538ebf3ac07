package catalog

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DecodeArguments parses the argument text a model produced for a tool call.
// Empty input means no arguments. Anything that is not a JSON object is an
// invalid-argument error.
func DecodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, InvalidArgument("arguments are not valid JSON: %v", err)
	}
	if dec.More() {
		return nil, InvalidArgument("arguments contain trailing data")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, InvalidArgument("arguments must be a JSON object")
	}
	return obj, nil
}

// RequiredString returns args[key] as a non-empty string.
func RequiredString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", InvalidArgument("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", InvalidArgument("argument %q must be a non-empty string", key)
	}
	return s, nil
}

// MissingRequired returns the required parameter names from a JSON schema
// that args does not contain.
func MissingRequired(schema map[string]any, args map[string]any) []string {
	req, ok := schema["required"].([]any)
	if !ok {
		if strs, ok := schema["required"].([]string); ok {
			for _, s := range strs {
				req = append(req, s)
			}
		}
	}
	var missing []string
	for _, r := range req {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; !present {
			missing = append(missing, name)
		}
	}
	return missing
}
