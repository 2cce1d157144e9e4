// Package document converts formatted (HTML) documents into the plain text seen by
// the analysis engine and translates plain-text spans back into source offsets.
package document

import (
	"errors"
	"fmt"
)

// ErrInvalidSpan marks a degenerate or untranslatable span.
var ErrInvalidSpan = errors.New("invalid span")

// ParseError describes markup that the normalizer recovered from.
type ParseError struct {
	Offset int    `json:"offset"`
	Tag    string `json:"tag"`
	Reason string `json:"reason"`
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parse: <%s> at %d: %s", e.Tag, e.Offset, e.Reason)
}

// Document is a normalized formatted document.
//
// Plain-text coordinates are rune indices into PlainText. Document coordinates are
// byte offsets into Raw, so Raw[start:end] is the source text of a translated span.
type Document struct {
	Raw         string       `json:"-"`
	PlainText   string       `json:"plainText"`
	PositionMap []int        `json:"positionMap"`
	Issues      []ParseError `json:"issues,omitempty"`

	// ends[i] is the exclusive source offset of character i.
	ends  []int
	runes []rune
}

// FromPositionMap builds a document from an externally computed plain text and
// position map. Span ends are then assumed to be one byte past the mapped start.
func FromPositionMap(raw, plainText string, positionMap []int) Document {
	return Document{
		Raw:         raw,
		PlainText:   plainText,
		PositionMap: positionMap,
		runes:       []rune(plainText),
	}
}

// Len returns the number of plain-text characters.
func (d Document) Len() int {
	return len(d.PositionMap)
}

// DocumentSpan translates the plain-text span [plainStart, plainEnd) into document
// coordinates. Out-of-range indices are clamped to the document.
func (d Document) DocumentSpan(plainStart, plainEnd int) (int, int, error) {
	n := len(d.PositionMap)
	if plainEnd <= plainStart {
		return 0, 0, fmt.Errorf("%w: empty range [%d,%d)", ErrInvalidSpan, plainStart, plainEnd)
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: document has no text", ErrInvalidSpan)
	}
	first := clamp(plainStart, 0, n-1)
	last := clamp(plainEnd-1, 0, n-1)
	return d.PositionMap[first], d.endOffset(last), nil
}

func (d Document) endOffset(i int) int {
	if i < len(d.ends) {
		return d.ends[i]
	}
	return d.PositionMap[i] + 1
}

// PlainSlice returns the plain text between two rune indices, clamped.
func (d Document) PlainSlice(start, end int) string {
	runes := d.runes
	if runes == nil {
		runes = []rune(d.PlainText)
	}
	start = clamp(start, 0, len(runes))
	end = clamp(end, start, len(runes))
	return string(runes[start:end])
}

// Source returns Raw[start:end], clamped to the source bounds.
func (d Document) Source(start, end int) string {
	start = clamp(start, 0, len(d.Raw))
	end = clamp(end, start, len(d.Raw))
	return d.Raw[start:end]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
