package config

import (
	"maps"
	"slices"
	"strings"
)

// secretKeys lists the dotted keys whose values are masked when listed.
var secretKeys = map[string]bool{
	"backend.api_key": true,
}

// IsSecretKey reports whether the dotted key holds a secret.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns {"backend": {"base_url": "x"}} into {"backend.base_url": "x"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. Keys are applied in sorted order, so
// when "a" and "a.b" are both present the nested value wins.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range slices.Sorted(maps.Keys(flat)) {
		parents, leaf := splitKey(key)
		node := out
		for _, p := range parents {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[leaf] = flat[key]
	}
	return out
}

func splitKey(key string) (parents []string, leaf string) {
	parts := strings.Split(key, ".")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// MaskSecrets returns a copy of flat with non-empty secrets replaced by
// "***" and their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := maps.Clone(flat)
	for k := range secretKeys {
		if s, ok := out[k].(string); ok && s != "" {
			out[k] = "***" + s[max(len(s)-4, 0):]
		}
	}
	return out
}
