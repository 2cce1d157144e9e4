package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"

	"margin/api/internal/highlight"
)

const defaultGeminiModel = "gemini-2.0-flash"

const geminiInstructions = `You review English prose for a writing tutor.
Return JSON only: an array of issues. Each issue has
"kind" (one of "grammar", "suggestion", "coherence", "rewrite"),
"message" (one sentence explaining the issue to the writer),
"originalText" (the exact text the issue covers, copied verbatim),
"suggestedText" (the replacement, or "" if none),
"start" and "end" (character offsets of originalText in the text, end exclusive).
Issues may overlap. Return [] when the text has no issues.

Text:
`

// GeminiEngine asks a Gemini model for issues.
type GeminiEngine struct {
	client *genai.Client
	model  string
}

func NewGeminiEngine(ctx context.Context, apiKey, model string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiEngine{client: client, model: model}, nil
}

func (e *GeminiEngine) Name() string {
	return "gemini:" + e.model
}

func (e *GeminiEngine) Analyze(ctx context.Context, text string) ([]highlight.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	resp, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(geminiInstructions+text), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return parseModelSpans(resp.Text(), text)
}

// parseModelSpans decodes model output and re-anchors every span on its
// originalText, since model offsets are unreliable. Spans whose text cannot be
// found are dropped.
func parseModelSpans(raw, text string) ([]highlight.Span, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("model returned an empty response")
	}

	var spans []highlight.Span
	if strings.HasPrefix(raw, "{") {
		var wrapped struct {
			Spans  []highlight.Span `json:"spans"`
			Issues []highlight.Span `json:"issues"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("decode model output: %w", err)
		}
		spans = append(wrapped.Spans, wrapped.Issues...)
	} else if err := json.Unmarshal([]byte(raw), &spans); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}

	runes := []rune(text)
	out := make([]highlight.Span, 0, len(spans))
	for _, span := range spans {
		if anchored, ok := anchor(text, runes, span); ok {
			out = append(out, anchored)
		}
	}
	return out, nil
}

func anchor(text string, runes []rune, span highlight.Span) (highlight.Span, bool) {
	if span.Start >= 0 && span.End > span.Start && span.End <= len(runes) {
		if span.OriginalText == "" || string(runes[span.Start:span.End]) == span.OriginalText {
			return span, true
		}
	}
	if span.OriginalText == "" {
		return span, false
	}

	// Pick the occurrence closest to the offset the model claimed.
	best, bestDist := -1, -1
	for from := 0; from < len(text); {
		idx := strings.Index(text[from:], span.OriginalText)
		if idx < 0 {
			break
		}
		byteIdx := from + idx
		start := utf8.RuneCountInString(text[:byteIdx])
		dist := start - span.Start
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || dist < bestDist {
			best, bestDist = start, dist
		}
		from = byteIdx + len(span.OriginalText)
	}
	if best < 0 {
		return span, false
	}
	span.Start = best
	span.End = best + utf8.RuneCountInString(span.OriginalText)
	return span, true
}
