package app

import (
	"encoding/json"
	"fmt"

	"margin/api/internal/highlight"
)

const (
	typeTextUpdate       = "text_update"
	typeHighlightsUpdate = "highlights_update"
	typeSelectHighlight  = "select_highlight"
	typeMarkExplained    = "mark_explained"
	typeNextHighlight    = "next_highlight"

	typeSuggestion = "ai_suggestion"
	typeError      = "error"
	typeWarning    = "warning"
	typeFocus      = "focus_highlight"
	typeSession    = "session"
)

// Inbound is one of TextUpdate, HighlightsUpdate, SelectHighlight,
// MarkExplained or NextHighlight.
type Inbound interface {
	inbound()
}

// TextUpdate carries a new version of the formatted document.
type TextUpdate struct {
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// HighlightsUpdate carries a precomputed highlight set in document coordinates.
type HighlightsUpdate struct {
	Highlights []highlight.Highlight `json:"highlights"`
}

type SelectHighlight struct {
	ID string `json:"id"`
}

type MarkExplained struct {
	ID string `json:"id"`
}

type NextHighlight struct{}

func (TextUpdate) inbound()       {}
func (HighlightsUpdate) inbound() {}
func (SelectHighlight) inbound()  {}
func (MarkExplained) inbound()    {}
func (NextHighlight) inbound()    {}

// DecodeInbound decodes a JSON message by its "type" field.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}

	switch envelope.Type {
	case typeTextUpdate:
		var body struct {
			Content   *string `json:"content"`
			Timestamp float64 `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, envelope.Type, err)
		}
		if body.Content == nil {
			return nil, fmt.Errorf("%w: %s requires content", ErrMalformedMessage, envelope.Type)
		}
		return TextUpdate{Content: *body.Content, Timestamp: body.Timestamp}, nil
	case typeHighlightsUpdate:
		var body struct {
			Highlights *[]highlight.Highlight `json:"highlights"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, envelope.Type, err)
		}
		if body.Highlights == nil {
			return nil, fmt.Errorf("%w: %s requires highlights", ErrMalformedMessage, envelope.Type)
		}
		return HighlightsUpdate{Highlights: *body.Highlights}, nil
	case typeSelectHighlight, typeMarkExplained:
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.ID == "" {
			return nil, fmt.Errorf("%w: %s requires id", ErrMalformedMessage, envelope.Type)
		}
		if envelope.Type == typeSelectHighlight {
			return SelectHighlight{ID: body.ID}, nil
		}
		return MarkExplained{ID: body.ID}, nil
	case typeNextHighlight:
		return NextHighlight{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, envelope.Type)
}

// Outbound messages.

type SuggestionMessage struct {
	Type        string                `json:"type"`
	Suggestions []highlight.Highlight `json:"suggestions"`
}

type NoticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type FocusMessage struct {
	Type      string              `json:"type"`
	Highlight highlight.Highlight `json:"highlight"`
}

type NextMessage struct {
	Type   string               `json:"type"`
	Result highlight.NextResult `json:"result"`
}

type ExplainedMessage struct {
	Type     string             `json:"type"`
	ID       string             `json:"id"`
	Progress highlight.Progress `json:"progress"`
}

type SessionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func suggestionMessage(hs []highlight.Highlight) SuggestionMessage {
	if hs == nil {
		hs = []highlight.Highlight{}
	}
	return SuggestionMessage{Type: typeSuggestion, Suggestions: hs}
}

func errorMessage(message string) NoticeMessage {
	return NoticeMessage{Type: typeError, Message: message}
}

func warningMessage(message string) NoticeMessage {
	return NoticeMessage{Type: typeWarning, Message: message}
}
