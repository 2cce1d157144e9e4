// Package analysis talks to the external analysis engine that finds issues in
// plain text.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"margin/api/internal/document"
	"margin/api/internal/highlight"
)

// ErrAnalysisUnavailable wraps any engine failure or timeout. Callers keep the
// previous highlight set when they see it.
var ErrAnalysisUnavailable = errors.New("analysis unavailable")

// Engine analyzes plain text and returns spans in the coordinates of that text.
type Engine interface {
	Name() string
	Analyze(ctx context.Context, text string) ([]highlight.Span, error)
}

type Options struct {
	ChunkSize   int
	Concurrency int
	Timeout     time.Duration
}

// Run analyzes every chunk of text and merges the results, shifted back into the
// coordinates of the whole text, in chunk order. Any chunk failure fails the pass.
func Run(ctx context.Context, engine Engine, text string, opts Options) ([]highlight.Span, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: no engine configured", ErrAnalysisUnavailable)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	chunks := slices.Collect(document.Chunks(text, opts.ChunkSize))
	results := make([][]highlight.Span, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, chunk := range chunks {
		g.Go(func() error {
			spans, err := engine.Analyze(gctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("chunk %d at %d: %w", i, chunk.Offset, err)
			}
			shifted := make([]highlight.Span, 0, len(spans))
			for _, span := range spans {
				shifted = append(shifted, span.Shift(chunk.Offset))
			}
			results[i] = shifted
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAnalysisUnavailable, engine.Name(), err)
	}
	return slices.Concat(results...), nil
}

// Disabled is the engine used when no backend is configured.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Analyze(context.Context, string) ([]highlight.Span, error) {
	return nil, errors.New("no analysis backend configured")
}
