package chunks

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Chunk represents one chunk row from the document_chunks table.
// The embedding column is pgvector; reads scan its text representation,
// writes go through the repository's vector upsert.
type Chunk struct {
	bun.BaseModel `bun:"table:document_chunks,alias:c"`

	ID         uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	DocumentID uuid.UUID `bun:"document_id,type:uuid,notnull" json:"documentId"`
	Ordinal    int       `bun:"ordinal,notnull" json:"ordinal"`

	// Chunker identity baked into the chunk id
	ChunkerName    string `bun:"chunker_name,notnull" json:"chunkerName"`
	ChunkerVersion int    `bun:"chunker_version,notnull" json:"chunkerVersion"`

	Text     string `bun:"text,notnull" json:"text"`
	TextHash string `bun:"text_hash,notnull" json:"textHash"`

	// Source location metadata (1-based inclusive line range)
	StartLine int    `bun:"start_line,notnull,default:0" json:"startLine"`
	EndLine   int    `bun:"end_line,notnull,default:0" json:"endLine"`
	ChunkType string `bun:"chunk_type,notnull,default:'markdown'" json:"chunkType"`

	// Embedding fields, null until the embedding stage writes them
	EmbedModel   *string `bun:"embed_model" json:"embedModel,omitempty"`
	EmbedVersion *string `bun:"embed_version" json:"embedVersion,omitempty"`
	VectorDim    *int    `bun:"vector_dim" json:"vectorDim,omitempty"`
	Embedding    []byte  `bun:"embedding,type:vector(1536)" json:"-"`
	VectorHash   *string `bun:"vector_hash" json:"vectorHash,omitempty"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// NewChunkID derives the deterministic UUIDv5 chunk id. Two chunks sharing
// document, chunker name/version, and ordinal always yield the same id.
func NewChunkID(ns, documentID uuid.UUID, chunkerName string, chunkerVersion, ordinal int) uuid.UUID {
	name := fmt.Sprintf("%s:%s:%d:%d", documentID, chunkerName, chunkerVersion, ordinal)
	return uuid.NewSHA1(ns, []byte(name))
}

// TextHash returns the lowercase hex SHA-256 of the chunk text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// VectorHash returns the lowercase hex SHA-256 over the vector's byte
// representation (little-endian IEEE 754 float32, in order).
func VectorHash(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// HasEmbedding reports whether the chunk's vector has been written.
func (c *Chunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// ChunkDTO is the response format for chunks
type ChunkDTO struct {
	ID             string `json:"id"`
	DocumentID     string `json:"documentId"`
	Ordinal        int    `json:"ordinal"`
	ChunkerName    string `json:"chunkerName"`
	ChunkerVersion int    `json:"chunkerVersion"`
	Size           int    `json:"size"`
	HasEmbedding   bool   `json:"hasEmbedding"`
	Text           string `json:"text"`
	StartLine      int    `json:"startLine"`
	EndLine        int    `json:"endLine"`
	ChunkType      string `json:"chunkType"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// ToDTO converts a Chunk to its response format
func (c *Chunk) ToDTO() *ChunkDTO {
	return &ChunkDTO{
		ID:             c.ID.String(),
		DocumentID:     c.DocumentID.String(),
		Ordinal:        c.Ordinal,
		ChunkerName:    c.ChunkerName,
		ChunkerVersion: c.ChunkerVersion,
		Size:           len(c.Text),
		HasEmbedding:   c.HasEmbedding(),
		Text:           c.Text,
		StartLine:      c.StartLine,
		EndLine:        c.EndLine,
		ChunkType:      c.ChunkType,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
}

// ListChunksResponse is the response for listing chunks
type ListChunksResponse struct {
	Data       []*ChunkDTO `json:"data"`
	TotalCount int         `json:"totalCount"`
}
