package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agri-advisory/internal/models"
)

func TestCursorRoundTrip(t *testing.T) {
	c := models.LogCursor{CreatedAt: time.Date(2025, 6, 1, 10, 30, 0, 123456789, time.UTC), ID: uuid.New()}

	decoded, err := DecodeCursor(EncodeCursor(c))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, c.ID, decoded.ID)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	decoded, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, decoded)

	for _, token := range []string{"!!!", "bm8tc2VwYXJhdG9y", "eHx5"} {
		_, err := DecodeCursor(token)
		assert.ErrorIs(t, err, ErrInvalidInput, token)
	}
}
