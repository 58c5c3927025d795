// Package chunker turns parsed markdown into an ordered, deterministic
// chunk sequence. Strategies are versioned so new ones can be introduced
// without invalidating chunk ids derived from earlier versions.
package chunker

import "fmt"

// Default strategy used when none is configured.
const (
	DefaultName    = "markdown-simple"
	DefaultVersion = 1
)

// TypeMarkdown tags chunks produced from markdown input.
const TypeMarkdown = "markdown"

// Chunk is one contiguous slice of a parsed document. Line numbers are
// 1-based and inclusive.
type Chunk struct {
	Ordinal   int
	Text      string
	StartLine int
	EndLine   int
	Type      string
}

// Chunker splits parsed text into chunks. Implementations must be
// deterministic: the same input always yields the same sequence.
type Chunker interface {
	Name() string
	Version() int
	Split(text string) []Chunk
}

// New returns the chunker for the given strategy name and version.
func New(name string, version int) (Chunker, error) {
	switch {
	case name == DefaultName && version == 1:
		return markdownSimple{}, nil
	default:
		return nil, fmt.Errorf("unknown chunker %s v%d", name, version)
	}
}
