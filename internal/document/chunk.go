package document

import (
	"iter"
	"unicode"
)

// Chunk is a segment of plain text; Offset is the rune index of its first character.
type Chunk struct {
	Offset int
	Text   string
}

// Chunks splits text into segments of at most maxSize characters without cutting
// words. A segment ends after the last whitespace in its window; a window with no
// whitespace is cut hard at maxSize. Concatenating the segments yields text.
//
// The sequence is recomputed on every iteration.
func Chunks(text string, maxSize int) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if text == "" {
			return
		}
		runes := []rune(text)
		if maxSize <= 0 || len(runes) <= maxSize {
			yield(Chunk{Offset: 0, Text: text})
			return
		}
		for pos := 0; pos < len(runes); {
			end := pos + maxSize
			if end >= len(runes) {
				end = len(runes)
			} else if cut := lastSpace(runes[pos:end]); cut >= 0 {
				end = pos + cut + 1
			}
			if !yield(Chunk{Offset: pos, Text: string(runes[pos:end])}) {
				return
			}
			pos = end
		}
	}
}

func lastSpace(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i
		}
	}
	return -1
}
