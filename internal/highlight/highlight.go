// Package highlight models positional annotations and their per-session lifecycle.
package highlight

import (
	"errors"
	"fmt"
	"strings"

	"margin/api/internal/document"
)

var (
	ErrNotFound    = errors.New("highlight not found")
	ErrInvalidSpan = document.ErrInvalidSpan
	ErrUnknownKind = errors.New("unknown highlight kind")
	ErrDuplicateID = errors.New("duplicate highlight id")
	ErrFocusFailed = errors.New("focus highlight failed")
)

type Kind string

const (
	KindGrammar    Kind = "grammar"
	KindSuggestion Kind = "suggestion"
	KindCoherence  Kind = "coherence"
	KindRewrite    Kind = "rewrite"
)

// ParseKind normalizes a kind name coming from an engine or a client.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	switch kind {
	case KindGrammar, KindSuggestion, KindCoherence, KindRewrite:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
}

// Highlight is an annotation over [Start, End) in document coordinates.
type Highlight struct {
	ID            string `json:"id"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	OriginalText  string `json:"originalText,omitempty"`
	SuggestedText string `json:"suggestedText,omitempty"`
}

// Actionable reports whether the highlight covers at least one position.
func (h Highlight) Actionable() bool {
	return h.End > h.Start
}

// Span is an analysis result in the plain-text coordinates the engine was given.
type Span struct {
	Start         int    `json:"start"`
	End           int    `json:"end"`
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	OriginalText  string `json:"originalText,omitempty"`
	SuggestedText string `json:"suggestedText,omitempty"`
}

// Shift moves the span by offset characters.
func (s Span) Shift(offset int) Span {
	s.Start += offset
	s.End += offset
	return s
}

// FromSpans translates engine spans into highlights over doc. Spans that are
// degenerate, fall entirely outside the text or carry an unknown kind are dropped
// and reported in the returned error slice.
func FromSpans(doc document.Document, spans []Span, bucketSize int) ([]Highlight, []error) {
	var (
		out     []Highlight
		dropped []error
	)
	ids := idAllocator{}
	n := doc.Len()
	for _, span := range spans {
		kind, err := ParseKind(string(span.Kind))
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		if span.End <= span.Start || span.Start >= n || span.End <= 0 {
			dropped = append(dropped, fmt.Errorf("%w: [%d,%d) over %d characters", ErrInvalidSpan, span.Start, span.End, n))
			continue
		}
		start, end, err := doc.DocumentSpan(span.Start, span.End)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		matched := doc.PlainSlice(span.Start, span.End)
		original := span.OriginalText
		if original == "" {
			original = matched
		}
		out = append(out, Highlight{
			ID:            ids.unique(StableID(kind, matched, max(span.Start, 0), bucketSize)),
			Start:         start,
			End:           end,
			Kind:          kind,
			Message:       span.Message,
			OriginalText:  original,
			SuggestedText: span.SuggestedText,
		})
	}
	return out, dropped
}

// Prepare validates a highlight set pushed in document coordinates. Missing ids
// are derived from the highlight content; a repeated explicit id keeps its first
// occurrence.
func Prepare(highlights []Highlight, bucketSize int) ([]Highlight, []error) {
	var (
		out     []Highlight
		dropped []error
	)
	seen := make(map[string]struct{}, len(highlights))
	ids := idAllocator{}
	for _, h := range highlights {
		kind, err := ParseKind(string(h.Kind))
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		h.Kind = kind
		if !h.Actionable() || h.Start < 0 {
			dropped = append(dropped, fmt.Errorf("%w: [%d,%d)", ErrInvalidSpan, h.Start, h.End))
			continue
		}
		h.ID = strings.TrimSpace(h.ID)
		if h.ID == "" {
			h.ID = ids.unique(StableID(kind, h.OriginalText, h.Start, bucketSize))
		}
		if _, ok := seen[h.ID]; ok {
			dropped = append(dropped, fmt.Errorf("%w: %s", ErrDuplicateID, h.ID))
			continue
		}
		seen[h.ID] = struct{}{}
		out = append(out, h)
	}
	return out, dropped
}
