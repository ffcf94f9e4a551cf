package dfd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchKeys(t *testing.T) {
	keys, err := PatchKeys(json.RawMessage(`{"data":{"label":"x","properties":{"protocol":"HTTPS"}}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"data.label", "data.properties.protocol"}, keys)

	keys, err = PatchKeys(json.RawMessage(`{"position":{"x":1,"y":2}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"position.x", "position.y"}, keys)

	// Null leaves (key removals) still count as touched keys
	keys, err = PatchKeys(json.RawMessage(`{"data":{"properties":{"protocol":null}}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"data.properties.protocol"}, keys)

	_, err = PatchKeys(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestKeysOverlap(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []string
		overlap bool
	}{
		{"same key", []string{"data.label"}, []string{"data.label"}, true},
		{"disjoint leaves", []string{"data.label"}, []string{"data.properties.protocol"}, false},
		{"prefix covers descendant", []string{"data"}, []string{"data.label"}, true},
		{"descendant under prefix", []string{"data.properties.p"}, []string{"data"}, true},
		{"sibling prefixes", []string{"data.label"}, []string{"data.labelled"}, false},
		{"empty", nil, []string{"data.label"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.overlap, KeysOverlap(tt.a, tt.b))
		})
	}
}
