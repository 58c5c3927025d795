package documents

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNamespace = uuid.MustParse("0f2a4c1e-8f5d-4a3b-9c6e-d71b20c45a9f")

func TestNewDocumentID(t *testing.T) {
	hash := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

	t.Run("deterministic", func(t *testing.T) {
		a := NewDocumentID(testNamespace, "user-1", hash)
		b := NewDocumentID(testNamespace, "user-1", hash)
		assert.Equal(t, a, b)
		assert.Equal(t, uuid.Version(5), a.Version())
	})

	t.Run("distinct per user", func(t *testing.T) {
		a := NewDocumentID(testNamespace, "user-1", hash)
		b := NewDocumentID(testNamespace, "user-2", hash)
		assert.NotEqual(t, a, b)
	})

	t.Run("distinct per content", func(t *testing.T) {
		other := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
		a := NewDocumentID(testNamespace, "user-1", hash)
		b := NewDocumentID(testNamespace, "user-1", other)
		assert.NotEqual(t, a, b)
	})

	t.Run("distinct per namespace", func(t *testing.T) {
		otherNS := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
		a := NewDocumentID(testNamespace, "user-1", hash)
		b := NewDocumentID(otherNS, "user-1", hash)
		assert.NotEqual(t, a, b)
	})
}

func TestParseCursor(t *testing.T) {
	t.Run("empty string returns nil", func(t *testing.T) {
		cursor, err := ParseCursor("")
		require.NoError(t, err)
		assert.Nil(t, cursor)
	})

	t.Run("roundtrip", func(t *testing.T) {
		original := Cursor{
			CreatedAt: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
			ID:        uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		}
		raw, err := json.Marshal(original)
		require.NoError(t, err)
		encoded := base64.URLEncoding.EncodeToString(raw)

		cursor, err := ParseCursor(encoded)
		require.NoError(t, err)
		require.NotNil(t, cursor)
		assert.True(t, cursor.CreatedAt.Equal(original.CreatedAt))
		assert.Equal(t, original.ID, cursor.ID)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := ParseCursor("not-base64!!!")
		assert.Error(t, err)
	})

	t.Run("invalid json payload", func(t *testing.T) {
		encoded := base64.URLEncoding.EncodeToString([]byte("not json"))
		_, err := ParseCursor(encoded)
		assert.Error(t, err)
	})
}

func TestParsePositiveInt(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		min     int
		max     int
		want    int
		wantErr bool
	}{
		{"valid", "42", 1, 500, 42, false},
		{"at min", "1", 1, 500, 1, false},
		{"at max", "500", 1, 500, 500, false},
		{"below min", "0", 1, 500, 0, true},
		{"above max", "501", 1, 500, 0, true},
		{"non numeric", "12a", 1, 500, 0, true},
		{"negative", "-5", 1, 500, 0, true},
		{"empty", "", 1, 500, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePositiveInt(tt.input, tt.min, tt.max)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusConstants(t *testing.T) {
	// Failure markers carry the failed_ prefix the pipeline rolls documents to.
	for _, status := range []string{StatusFailedParse, StatusFailedChunking, StatusFailedEmbedding, StatusFailedUnknown} {
		assert.Contains(t, status, "failed_")
	}
	assert.Equal(t, "processing", StatusProcessing)
	assert.Equal(t, "completed", StatusCompleted)
}
