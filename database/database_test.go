package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWritableColumnsIntersects(t *testing.T) {
	candidates := map[string]any{
		"service_tag":      "HGX2Y8",
		"warranty_status":  "Active",
		"order_number":     "123",
		"cache_expires_at": time.Now(),
	}
	existing := map[string]bool{
		"computer_id":      true,
		"service_tag":      true,
		"warranty_status":  true,
		"cache_expires_at": true,
		// order_number missing from this deployment
	}

	names, values := writableColumns(candidates, existing)
	assert.Equal(t, []string{"cache_expires_at", "service_tag", "warranty_status"}, names)
	assert.Len(t, values, 3)
	assert.Equal(t, "HGX2Y8", values[1])
}

func TestWritableColumnsKeepsNilValues(t *testing.T) {
	// A nil value still clears the column (last_error = NULL on success).
	names, values := writableColumns(
		map[string]any{"last_error": nil},
		map[string]bool{"last_error": true},
	)
	assert.Equal(t, []string{"last_error"}, names)
	assert.Equal(t, []any{nil}, values)
}

func TestWritableColumnsEmptySchema(t *testing.T) {
	names, values := writableColumns(map[string]any{"a": 1}, map[string]bool{})
	assert.Empty(t, names)
	assert.Empty(t, values)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$1, $2, $3", placeholders(1, 3))
	assert.Equal(t, "$4", placeholders(4, 1))
	assert.Equal(t, "", placeholders(1, 0))
}

func TestNeedsUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-time.Minute)
	errMsg := "SERVICE_TAG_NOT_FOUND: service tag not found"

	tests := []struct {
		name      string
		expiresAt *time.Time
		lastError *string
		hasRow    bool
		want      bool
	}{
		{"no row", nil, nil, false, true},
		{"nil expiry", nil, nil, true, true},
		{"expired", &past, nil, true, true},
		{"fresh", &future, nil, true, false},
		{"fresh but errored", &future, &errMsg, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsUpdate(tt.expiresAt, tt.lastError, tt.hasRow, now))
		})
	}
}
