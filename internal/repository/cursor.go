package repository

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agri-advisory/internal/models"
)

// EncodeCursor turns a keyset position into an opaque token
func EncodeCursor(c models.LogCursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor
func DecodeCursor(token string) (*models.LogCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor time", ErrInvalidInput)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor id", ErrInvalidInput)
	}
	return &models.LogCursor{CreatedAt: createdAt, ID: id}, nil
}

// CursorBefore reports whether a log sorts strictly after the cursor in
// (createdAt, id) descending order, i.e. belongs to the next page.
func CursorBefore(log *models.AdvisoryLog, c *models.LogCursor) bool {
	if c == nil {
		return true
	}
	if !log.CreatedAt.Equal(c.CreatedAt) {
		return log.CreatedAt.Before(c.CreatedAt)
	}
	return strings.Compare(log.ID.String(), c.ID.String()) < 0
}
