package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"margin/api/internal/analysis"
	"margin/api/internal/config"
	"margin/api/internal/document"
	"margin/api/internal/highlight"
	"margin/api/internal/session"
)

const sampleDoc = "<p>This is <b>important</b> however it lacks data.</p>"

type phrase struct {
	text string
	kind highlight.Kind
}

// phraseEngine flags the first occurrence of each phrase in the text it is given.
type phraseEngine struct {
	mu      sync.Mutex
	phrases []phrase
	err     error
	hook    func(ctx context.Context, text string) error
	pingErr error
}

func (e *phraseEngine) Name() string { return "phrases" }

func (e *phraseEngine) Analyze(ctx context.Context, text string) ([]highlight.Span, error) {
	e.mu.Lock()
	phrases, err, hook := e.phrases, e.err, e.hook
	e.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, text); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	var spans []highlight.Span
	for _, p := range phrases {
		i := strings.Index(text, p.text)
		if i < 0 {
			continue
		}
		start := utf8.RuneCountInString(text[:i])
		spans = append(spans, highlight.Span{
			Start:   start,
			End:     start + utf8.RuneCountInString(p.text),
			Kind:    p.kind,
			Message: "check " + p.text,
		})
	}
	return spans, nil
}

func (e *phraseEngine) set(fn func(e *phraseEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

type pingingEngine struct {
	*phraseEngine
}

func (e pingingEngine) Ping(context.Context) error { return e.pingErr }

func sampleEngine() *phraseEngine {
	return &phraseEngine{phrases: []phrase{
		{text: "important", kind: highlight.KindCoherence},
		{text: "however", kind: highlight.KindGrammar},
	}}
}

func newTestService(engine analysis.Engine) (*Service, *session.Registry) {
	cfg := config.Defaults()
	cfg.AnalysisTimeout = 5 * time.Second
	registry := session.NewRegistry(time.Minute)
	return New(cfg, registry, engine, zap.NewNop()), registry
}

func TestApplyTextEndToEnd(t *testing.T) {
	svc, _ := newTestService(sampleEngine())

	result, err := svc.ApplyText(context.Background(), "s1", sampleDoc)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	require.Len(t, result.Highlights, 2)

	for i, want := range []phrase{{"important", highlight.KindCoherence}, {"however", highlight.KindGrammar}} {
		h := result.Highlights[i]
		assert.Equal(t, want.kind, h.Kind)
		assert.Equal(t, want.text, document.Normalize(sampleDoc[h.Start:h.End]).PlainText)
		assert.Equal(t, want.text, h.OriginalText)
		assert.True(t, strings.HasPrefix(h.ID, "hl_"), h.ID)
	}
}

func TestApplyTextUnchangedSendsNothing(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	ctx := context.Background()

	replies := svc.HandleMessage(ctx, "s1", TextUpdate{Content: sampleDoc})
	require.Len(t, replies, 1)
	suggestion, ok := replies[0].(SuggestionMessage)
	require.True(t, ok)
	assert.Equal(t, typeSuggestion, suggestion.Type)
	assert.Len(t, suggestion.Suggestions, 2)

	assert.Empty(t, svc.HandleMessage(ctx, "s1", TextUpdate{Content: sampleDoc}))
}

func TestApplyTextAnalysisFailureKeepsPrevious(t *testing.T) {
	engine := sampleEngine()
	svc, _ := newTestService(engine)
	ctx := context.Background()

	first, err := svc.ApplyText(ctx, "s1", sampleDoc)
	require.NoError(t, err)

	engine.set(func(e *phraseEngine) { e.err = errors.New("backend down") })
	_, err = svc.ApplyText(ctx, "s1", "<p>Something else entirely.</p>")
	require.ErrorIs(t, err, analysis.ErrAnalysisUnavailable)

	current, err := svc.Highlights("s1")
	require.NoError(t, err)
	assert.Equal(t, first.Highlights, current)

	replies := svc.HandleMessage(ctx, "s1", TextUpdate{Content: "<p>again</p>"})
	require.Len(t, replies, 1)
	notice, ok := replies[0].(NoticeMessage)
	require.True(t, ok)
	assert.Equal(t, typeWarning, notice.Type)
}

func TestApplyTextSupersededResultIsDiscarded(t *testing.T) {
	engine := sampleEngine()
	entered := make(chan struct{})
	release := make(chan struct{})
	engine.set(func(e *phraseEngine) {
		e.hook = func(ctx context.Context, text string) error {
			if strings.Contains(text, "slow") {
				close(entered)
				<-release
			}
			return nil
		}
	})
	svc, _ := newTestService(engine)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.ApplyText(ctx, "s1", "<p>slow and important</p>")
		done <- err
	}()
	<-entered

	latest, err := svc.ApplyText(ctx, "s1", sampleDoc)
	require.NoError(t, err)
	require.Len(t, latest.Highlights, 2)

	close(release)
	require.ErrorIs(t, <-done, session.ErrStale)

	current, err := svc.Highlights("s1")
	require.NoError(t, err)
	assert.Equal(t, latest.Highlights, current)
}

func TestDisconnectCancelsAnalysis(t *testing.T) {
	engine := sampleEngine()
	entered := make(chan struct{})
	engine.set(func(e *phraseEngine) {
		e.hook = func(ctx context.Context, _ string) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}
	})
	svc, registry := newTestService(engine)

	done := make(chan error, 1)
	go func() {
		_, err := svc.ApplyText(context.Background(), "s1", sampleDoc)
		done <- err
	}()
	<-entered

	assert.True(t, svc.Disconnect("s1"))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, session.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("analysis was not cancelled")
	}
	assert.Equal(t, 0, registry.Len())
}

func TestNavigationThroughMessages(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	ctx := context.Background()
	require.Len(t, svc.HandleMessage(ctx, "s1", TextUpdate{Content: sampleDoc}), 1)

	next := func() highlight.NextResult {
		replies := svc.HandleMessage(ctx, "s1", NextHighlight{})
		require.Len(t, replies, 1)
		msg, ok := replies[0].(NextMessage)
		require.True(t, ok)
		return msg.Result
	}

	first := next()
	require.Equal(t, highlight.NextHighlight, first.Status)
	assert.Equal(t, "important", first.Highlight.OriginalText)

	replies := svc.HandleMessage(ctx, "s1", MarkExplained{ID: first.Highlight.ID})
	require.Len(t, replies, 1)
	explained := replies[0].(ExplainedMessage)
	assert.Equal(t, 50, explained.Progress.PercentComplete)

	second := next()
	require.Equal(t, highlight.NextHighlight, second.Status)
	assert.Equal(t, "however", second.Highlight.OriginalText)
	svc.HandleMessage(ctx, "s1", MarkExplained{ID: second.Highlight.ID})

	last := next()
	assert.Equal(t, highlight.NextCompleted, last.Status)
	assert.Nil(t, last.Highlight)
	assert.Equal(t, 100, last.Progress.PercentComplete)

	report, err := svc.Progress("s1")
	require.NoError(t, err)
	assert.True(t, report.AllExplained)
	assert.Equal(t, highlight.StateAllExplained, report.State)
	assert.ElementsMatch(t, []string{first.Highlight.ID, second.Highlight.ID}, report.ExplainedIDs)
}

func TestNextOnEmptySession(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	_, err := svc.ApplyHighlights("fresh", nil)
	require.NoError(t, err)

	result, err := svc.Next("fresh")
	require.NoError(t, err)
	assert.Equal(t, highlight.NextEmpty, result.Status)
	assert.Equal(t, 100, result.Progress.PercentComplete)
}

func TestReadsDoNotCreateSessions(t *testing.T) {
	svc, registry := newTestService(sampleEngine())
	ctx := context.Background()

	_, err := svc.Highlights("ghost")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = svc.Highlight("ghost", "hl_missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = svc.Next("ghost")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = svc.Progress("ghost")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = svc.MarkExplained("ghost", "hl_missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, _, err = svc.Select(ctx, "ghost", "hl_missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	replies := svc.HandleMessage(ctx, "ghost", NextHighlight{})
	require.Len(t, replies, 1)
	assert.Equal(t, typeError, replies[0].(NoticeMessage).Type)
	assert.Equal(t, 0, registry.Len())
}

func TestReleaseKeepsNewerConnectionSink(t *testing.T) {
	svc, registry := newTestService(sampleEngine())
	ctx := context.Background()

	var firstFocus, secondFocus int
	first := &countingSink{count: &firstFocus}
	second := &countingSink{count: &secondFocus}

	older, err := svc.Connect("doc", first)
	require.NoError(t, err)
	newer, err := svc.Connect("doc", second)
	require.NoError(t, err)
	require.Same(t, older, newer)
	assert.Equal(t, 2, registry.Holds("doc"))

	result, err := svc.ApplyText(ctx, "doc", sampleDoc)
	require.NoError(t, err)

	assert.False(t, svc.Release(older, first))
	assert.Equal(t, 1, registry.Holds("doc"))

	_, focused, err := svc.Select(ctx, "doc", result.Highlights[0].ID)
	require.NoError(t, err)
	assert.True(t, focused)
	assert.Equal(t, 0, firstFocus)
	assert.Equal(t, 1, secondFocus)

	assert.True(t, svc.Release(newer, second))
	assert.Equal(t, 0, registry.Len())
	assert.Error(t, newer.Context().Err())
}

func TestReleaseWithFuncSinkDoesNotPanic(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	sink := highlight.FocusFunc(func(context.Context, highlight.Highlight) error { return nil })

	sess, err := svc.Connect("doc", sink)
	require.NoError(t, err)
	assert.NotPanics(t, func() { assert.True(t, svc.Release(sess, sink)) })
}

type countingSink struct {
	count *int
}

func (s *countingSink) Focus(context.Context, highlight.Highlight) error {
	*s.count++
	return nil
}

func TestSelectUsesAttachedFocusSink(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	ctx := context.Background()
	result, err := svc.ApplyText(ctx, "s1", sampleDoc)
	require.NoError(t, err)

	var focused []string
	require.NoError(t, svc.Attach("s1", highlight.FocusFunc(func(_ context.Context, h highlight.Highlight) error {
		focused = append(focused, h.ID)
		return nil
	})))

	id := result.Highlights[1].ID
	assert.Empty(t, svc.HandleMessage(ctx, "s1", SelectHighlight{ID: id}))
	assert.Equal(t, []string{id}, focused)

	replies := svc.HandleMessage(ctx, "s1", SelectHighlight{ID: "hl_missing"})
	require.Len(t, replies, 1)
	assert.Equal(t, typeError, replies[0].(NoticeMessage).Type)
}

func TestSelectFocusFailureKeepsSelection(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	ctx := context.Background()
	result, err := svc.ApplyText(ctx, "s1", sampleDoc)
	require.NoError(t, err)
	require.NoError(t, svc.Attach("s1", highlight.FocusFunc(func(context.Context, highlight.Highlight) error {
		return errors.New("editor gone")
	})))

	replies := svc.HandleMessage(ctx, "s1", SelectHighlight{ID: result.Highlights[0].ID})
	require.Len(t, replies, 1)
	notice := replies[0].(NoticeMessage)
	assert.Equal(t, typeWarning, notice.Type)
	assert.Contains(t, notice.Message, "editor gone")

	report, err := svc.Progress("s1")
	require.NoError(t, err)
	assert.Equal(t, highlight.StateNavigating, report.State)
}

func TestApplyHighlightsDerivesIDs(t *testing.T) {
	svc, _ := newTestService(nil)
	replies := svc.HandleMessage(context.Background(), "s1", HighlightsUpdate{Highlights: []highlight.Highlight{
		{Start: 14, End: 23, Kind: highlight.KindCoherence, Message: "vague", OriginalText: "important"},
		{ID: "custom", Start: 28, End: 35, Kind: highlight.KindGrammar, Message: "comma", OriginalText: "however"},
		{Start: 5, End: 5, Kind: highlight.KindGrammar},
	}})
	require.Len(t, replies, 1)
	suggestions := replies[0].(SuggestionMessage).Suggestions
	require.Len(t, suggestions, 2)
	assert.True(t, strings.HasPrefix(suggestions[0].ID, "hl_"))
	assert.Equal(t, "custom", suggestions[1].ID)
}

func TestDisabledEngineWarns(t *testing.T) {
	svc, _ := newTestService(nil)
	replies := svc.HandleMessage(context.Background(), "s1", TextUpdate{Content: sampleDoc})
	require.Len(t, replies, 1)
	assert.Equal(t, typeWarning, replies[0].(NoticeMessage).Type)
}

func TestPing(t *testing.T) {
	svc, _ := newTestService(sampleEngine())
	assert.NoError(t, svc.Ping(context.Background()))

	failing := sampleEngine()
	failing.pingErr = errors.New("redis down")
	svc, _ = newTestService(pingingEngine{failing})
	assert.EqualError(t, svc.Ping(context.Background()), "redis down")
}
