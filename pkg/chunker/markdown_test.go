package chunker

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	c, err := New("markdown-simple", 1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Name() != "markdown-simple" {
		t.Errorf("Name() = %q, want %q", c.Name(), "markdown-simple")
	}
	if c.Version() != 1 {
		t.Errorf("Version() = %d, want 1", c.Version())
	}

	if _, err := New("markdown-simple", 2); err == nil {
		t.Error("New() with unknown version should fail")
	}
	if _, err := New("semantic", 1); err == nil {
		t.Error("New() with unknown name should fail")
	}
}

func TestMarkdownSimpleSplit(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Chunk
	}{
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
		{
			name:  "whitespace only",
			input: "\n\n  \n",
			want:  nil,
		},
		{
			name:  "single paragraph",
			input: "hello world",
			want: []Chunk{
				{Ordinal: 0, Text: "hello world", StartLine: 1, EndLine: 1, Type: "markdown"},
			},
		},
		{
			name:  "heading starts a new chunk",
			input: "# Title\nalpha\nbeta\n# Second\ngamma",
			want: []Chunk{
				{Ordinal: 0, Text: "# Title\nalpha\nbeta", StartLine: 1, EndLine: 3, Type: "markdown"},
				{Ordinal: 1, Text: "# Second\ngamma", StartLine: 4, EndLine: 5, Type: "markdown"},
			},
		},
		{
			name:  "deeper heading levels split too",
			input: "intro\n## Sub\nbody\n### Deep\ntail",
			want: []Chunk{
				{Ordinal: 0, Text: "intro", StartLine: 1, EndLine: 1, Type: "markdown"},
				{Ordinal: 1, Text: "## Sub\nbody", StartLine: 2, EndLine: 3, Type: "markdown"},
				{Ordinal: 2, Text: "### Deep\ntail", StartLine: 4, EndLine: 5, Type: "markdown"},
			},
		},
		{
			name:  "interior blank lines stay inside a chunk",
			input: "para one\n\npara two",
			want: []Chunk{
				{Ordinal: 0, Text: "para one\n\npara two", StartLine: 1, EndLine: 3, Type: "markdown"},
			},
		},
		{
			name:  "leading blank block is dropped with dense ordinals",
			input: "\n\n# Title\nbody",
			want: []Chunk{
				{Ordinal: 0, Text: "# Title\nbody", StartLine: 3, EndLine: 4, Type: "markdown"},
			},
		},
	}

	c, err := New(DefaultName, DefaultVersion)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Split(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMarkdownSimpleLineCap(t *testing.T) {
	// 45 non-empty lines and no headings should split 20/20/5.
	var lines []string
	for i := 1; i <= 45; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	input := strings.Join(lines, "\n")

	c, _ := New(DefaultName, DefaultVersion)
	got := c.Split(input)

	if len(got) != 3 {
		t.Fatalf("Split() produced %d chunks, want 3", len(got))
	}

	wantRanges := [][2]int{{1, 20}, {21, 40}, {41, 45}}
	for i, chunk := range got {
		if chunk.Ordinal != i {
			t.Errorf("chunk %d: Ordinal = %d, want %d", i, chunk.Ordinal, i)
		}
		if chunk.StartLine != wantRanges[i][0] || chunk.EndLine != wantRanges[i][1] {
			t.Errorf("chunk %d: lines [%d,%d], want [%d,%d]",
				i, chunk.StartLine, chunk.EndLine, wantRanges[i][0], wantRanges[i][1])
		}
	}

	if !strings.HasPrefix(got[0].Text, "line 1\n") || !strings.HasSuffix(got[0].Text, "line 20") {
		t.Errorf("chunk 0 text boundaries wrong: %q", got[0].Text)
	}
	if !strings.HasPrefix(got[2].Text, "line 41") || !strings.HasSuffix(got[2].Text, "line 45") {
		t.Errorf("chunk 2 text boundaries wrong: %q", got[2].Text)
	}
}

func TestMarkdownSimpleBlankLinesDoNotCountTowardCap(t *testing.T) {
	// 15 non-empty lines interleaved with blanks stay in one chunk.
	var lines []string
	for i := 1; i <= 15; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i), "")
	}
	input := strings.Join(lines, "\n")

	c, _ := New(DefaultName, DefaultVersion)
	got := c.Split(input)

	if len(got) != 1 {
		t.Fatalf("Split() produced %d chunks, want 1", len(got))
	}
}

func TestMarkdownSimpleDeterministic(t *testing.T) {
	input := "# A\none\ntwo\n\n## B\nthree\n# C\nfour"

	c, _ := New(DefaultName, DefaultVersion)
	first := c.Split(input)
	second := c.Split(input)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Split() is not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}
