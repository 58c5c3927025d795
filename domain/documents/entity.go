package documents

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Processing status values. The status mirrors the terminal subset of job
// stages for external consumers; the worker is the only writer after intake.
const (
	StatusProcessing      = "processing"
	StatusCompleted       = "completed"
	StatusFailedParse     = "failed_parse"
	StatusFailedChunking  = "failed_chunking"
	StatusFailedEmbedding = "failed_embedding"
	StatusFailedUnknown   = "failed_unknown"
)

// Document represents a document row from the documents table
type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	ID     uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID string    `bun:"user_id,notnull" json:"userId"`

	// Intake metadata
	Filename    string `bun:"filename,notnull" json:"filename"`
	MimeType    string `bun:"mime_type,notnull" json:"mimeType"`
	ByteLength  int64  `bun:"byte_length,notnull" json:"byteLength"`
	ContentHash string `bun:"content_hash,notnull" json:"contentHash"`

	// Parse results (nullable until the parsed stage completes)
	ParsedHash *string `bun:"parsed_hash" json:"parsedHash,omitempty"`

	// Blob store artifact keys
	RawPath    string  `bun:"raw_path,notnull" json:"rawPath"`
	ParsedPath *string `bun:"parsed_path" json:"parsedPath,omitempty"`

	Status string `bun:"status,notnull,default:'processing'" json:"status"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`

	// Computed fields (populated via subquery, not stored in documents)
	Chunks         int `bun:"chunks,scanonly" json:"chunks"`
	EmbeddedChunks int `bun:"embedded_chunks,scanonly" json:"embeddedChunks"`
}

// NewDocumentID derives the deterministic UUIDv5 document id for a user and
// content hash. A retried upload of the same bytes by the same user resolves
// to the same id.
func NewDocumentID(ns uuid.UUID, userID, contentHash string) uuid.UUID {
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("%s:%s", userID, contentHash)))
}

// ListParams contains parameters for listing documents
type ListParams struct {
	UserID string
	Status string
	Limit  int
	Cursor *Cursor
}

// Cursor represents pagination cursor
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        uuid.UUID `json:"id"`
}

// ListResult contains the result of listing documents
type ListResult struct {
	Documents  []Document `json:"documents"`
	Total      int        `json:"total"`
	NextCursor *string    `json:"next_cursor,omitempty"`
}
