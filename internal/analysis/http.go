package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"margin/api/internal/highlight"
)

// HTTPEngine posts text to a JSON analysis endpoint:
//
//	POST {"text": "..."} -> {"spans": [{"start":0,"end":4,"kind":"grammar","message":"..."}]}
type HTTPEngine struct {
	url    string
	client *http.Client
}

func NewHTTPEngine(url string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEngine{url: url, client: client}
}

func (e *HTTPEngine) Name() string {
	return "http"
}

func (e *HTTPEngine) Analyze(ctx context.Context, text string) ([]highlight.Span, error) {
	buf, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("analysis engine error: %s (%s)", resp.Status, string(body))
	}

	var parsed struct {
		Spans []highlight.Span `json:"spans"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	return parsed.Spans, nil
}
