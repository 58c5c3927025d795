package chunker

import "strings"

// maxNonEmptyLines caps how many non-empty lines accumulate in one chunk
// before the next line starts a new one.
const maxNonEmptyLines = 20

// markdownSimple splits on markdown headings and a non-empty-line cap.
// A line beginning with '#' (any heading level) starts a new chunk, as
// does any line once the current chunk holds maxNonEmptyLines non-empty
// lines. Chunks are trimmed, empty chunks dropped, ordinals dense from 0.
type markdownSimple struct{}

func (markdownSimple) Name() string { return DefaultName }

func (markdownSimple) Version() int { return 1 }

func (markdownSimple) Split(text string) []Chunk {
	lines := strings.Split(text, "\n")

	var chunks []Chunk
	var buf []string
	start := 1
	nonEmpty := 0

	flush := func(end int) {
		if len(buf) == 0 {
			return
		}
		trimmed := strings.TrimSpace(strings.Join(buf, "\n"))
		if trimmed != "" {
			chunks = append(chunks, Chunk{
				Ordinal:   len(chunks),
				Text:      trimmed,
				StartLine: start,
				EndLine:   end,
				Type:      TypeMarkdown,
			})
		}
		buf = buf[:0]
		nonEmpty = 0
	}

	for i, line := range lines {
		if len(buf) > 0 && (strings.HasPrefix(line, "#") || nonEmpty >= maxNonEmptyLines) {
			flush(i)
		}
		if len(buf) == 0 {
			start = i + 1
		}
		buf = append(buf, line)
		if strings.TrimSpace(line) != "" {
			nonEmpty++
		}
	}
	flush(len(lines))

	return chunks
}
