package uuidgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewForEntity(t *testing.T) {
	t.Run("ThreatUsesV7", func(t *testing.T) {
		id, err := NewForEntity(EntityTypeThreat)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), id.Version())
	})

	t.Run("OthersUseV4", func(t *testing.T) {
		for _, et := range []EntityType{EntityTypeNode, EntityTypeConnection, EntityTypeSession} {
			id, err := NewForEntity(et)
			require.NoError(t, err)
			assert.Equal(t, uuid.Version(4), id.Version(), "entity type %s", et)
		}
	})
}

func TestNewOperationID(t *testing.T) {
	id1, err := NewOperationID()
	require.NoError(t, err)
	require.NoError(t, ValidateOperationID(id1))

	id2 := MustNewOperationID()
	require.NoError(t, ValidateOperationID(id2))
	assert.NotEqual(t, id1, id2)

	// ULIDs generated later must not sort before earlier ones
	assert.LessOrEqual(t, id1, id2)
}

func TestValidateOperationIDRejectsGarbage(t *testing.T) {
	assert.Error(t, ValidateOperationID(""))
	assert.Error(t, ValidateOperationID("not-a-ulid"))
	assert.Error(t, ValidateOperationID(uuid.New().String()))
}
