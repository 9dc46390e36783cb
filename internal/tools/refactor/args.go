package refactor

import (
	"encoding/json"
	"fmt"
)

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func optionalString(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// optionalFloat64 extracts a float64 from args by key, returning the fallback if not present.
func optionalFloat64(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return fallback
}

func optionalBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// decodeObject re-decodes args[key] into out. The value may arrive as a JSON
// object or as a string holding JSON. It reports false when the key is absent.
func decodeObject(args map[string]any, key string, out any) (bool, error) {
	v, exists := args[key]
	if !exists || v == nil {
		return false, nil
	}
	var raw []byte
	switch t := v.(type) {
	case string:
		if t == "" {
			return false, nil
		}
		raw = []byte(t)
	default:
		var err error
		if raw, err = json.Marshal(t); err != nil {
			return true, fmt.Errorf("%s: %w", key, err)
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("%s is not valid: %w", key, err)
	}
	return true, nil
}
