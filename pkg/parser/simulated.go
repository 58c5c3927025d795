package parser

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/docmill/docmill/pkg/logger"
)

// Simulated converts documents without a parsing service. Output is
// deterministic in the source URI so repeated conversions of the same
// artifact produce identical markdown (and therefore identical chunks).
type Simulated struct {
	log *slog.Logger
}

// NewSimulated creates the simulated converter.
func NewSimulated(log *slog.Logger) *Simulated {
	return &Simulated{log: log.With(logger.Scope("parser.simulated"))}
}

// Convert renders a small markdown document derived from the artifact path.
func (s *Simulated) Convert(ctx context.Context, jobID, sourceURI string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.TrimSuffix(path.Base(sourceURI), path.Ext(sourceURI))
	if name == "" {
		name = "document"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", name)
	fmt.Fprintf(&b, "Converted from `%s`.\n\n", sourceURI)
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "This document was produced by the simulated converter for artifact %s.\n", name)
	b.WriteString("The content below stands in for the extracted text of the original file.\n\n")
	b.WriteString("## Contents\n\n")
	fmt.Fprintf(&b, "Section one of %s covers the opening material of the source document.\n\n", name)
	fmt.Fprintf(&b, "Section two of %s covers the remaining material of the source document.\n", name)

	s.log.Debug("simulated parse",
		slog.String("job_id", jobID),
		slog.String("source_uri", sourceURI),
	)

	return []byte(b.String()), nil
}
