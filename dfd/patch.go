package dfd

import (
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch"
)

// nodePatchDoc is the patchable surface of a node; id and type are immutable
type nodePatchDoc struct {
	Position Position    `json:"position"`
	Data     ElementData `json:"data"`
}

// connectionPatchDoc is the patchable surface of a connection
type connectionPatchDoc struct {
	Data ElementData `json:"data"`
}

// mergeInto applies an RFC 7386 merge patch to the JSON form of current and
// decodes the result into a fresh value, so keys removed by the patch do not
// linger from the original.
func mergeInto[T any](current T, patch json.RawMessage) (T, error) {
	var out T
	docJSON, err := json.Marshal(current)
	if err != nil {
		return out, fmt.Errorf("marshal current state: %w", err)
	}
	merged, err := jsonpatch.MergePatch(docJSON, patch)
	if err != nil {
		return out, fmt.Errorf("merge patch: %w", err)
	}
	if err := json.Unmarshal(merged, &out); err != nil {
		return out, fmt.Errorf("decode merged state: %w", err)
	}
	return out, nil
}

// PatchKeys returns the sorted, dot-separated leaf paths a merge patch
// touches (e.g. "data.label", "data.properties.protocol"). Two update
// operations conflict only when their key sets overlap.
func PatchKeys(patch json.RawMessage) ([]string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(patch, &doc); err != nil {
		return nil, fmt.Errorf("patch must be a JSON object: %w", err)
	}
	keys := flattenKeys("", doc)
	sort.Strings(keys)
	return keys, nil
}

func flattenKeys(prefix string, doc map[string]json.RawMessage) []string {
	var keys []string
	for k, v := range doc {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(v, &nested); err == nil && len(nested) > 0 {
			keys = append(keys, flattenKeys(path, nested)...)
			continue
		}
		keys = append(keys, path)
	}
	return keys
}

// KeysOverlap reports whether two sorted key slices share any path, treating
// a prefix path as overlapping its descendants ("data" overlaps "data.label")
func KeysOverlap(a, b []string) bool {
	for _, ka := range a {
		for _, kb := range b {
			if ka == kb || isPathPrefix(ka, kb) || isPathPrefix(kb, ka) {
				return true
			}
		}
	}
	return false
}

func isPathPrefix(prefix, path string) bool {
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '.'
}
