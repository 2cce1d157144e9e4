package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"margin/api/internal/analysis"
	"margin/api/internal/config"
	"margin/api/internal/document"
	"margin/api/internal/highlight"
	"margin/api/internal/session"
)

// UpdateResult is the state of a session after a text or highlights update.
type UpdateResult struct {
	Highlights []highlight.Highlight
	Changed    bool
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	registry *session.Registry
	engine   analysis.Engine
	logger   *zap.Logger
}

func New(cfg config.Config, registry *session.Registry, engine analysis.Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = analysis.Disabled{}
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		logger:   logger,
	}
}

// Ping reports whether the analysis backend's dependencies are reachable.
// Engines without dependencies are always ready.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.engine.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Service) analysisOptions() analysis.Options {
	return analysis.Options{
		ChunkSize:   s.cfg.ChunkSize,
		Concurrency: s.cfg.AnalysisConcurrency,
		Timeout:     s.cfg.AnalysisTimeout,
	}
}

// ApplyText normalizes content, analyzes it and replaces the session's
// highlight set. When analysis fails the previous set is kept and the error
// wraps analysis.ErrAnalysisUnavailable. Results of an update superseded by a
// newer one, or of a session removed meanwhile, are discarded with
// session.ErrStale or session.ErrClosed.
func (s *Service) ApplyText(ctx context.Context, sessionID, content string) (UpdateResult, error) {
	sess := s.registry.Get(sessionID)
	ticket := sess.Begin()
	logger := s.logger.With(zap.String("session_id", sessionID))

	doc := document.Normalize(content)
	for _, issue := range doc.Issues {
		logger.Debug("recovered malformed markup",
			zap.Int("offset", issue.Offset),
			zap.String("tag", issue.Tag),
			zap.String("reason", issue.Reason),
		)
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ticket.Context(), cancel)
	defer stop()

	spans, err := analysis.Run(actx, s.engine, doc.PlainText, s.analysisOptions())
	if err != nil {
		if ticket.Context().Err() != nil {
			return UpdateResult{}, session.ErrClosed
		}
		logger.Warn("analysis failed, keeping previous highlights", zap.Error(err))
		return UpdateResult{}, err
	}

	highlights, dropped := highlight.FromSpans(doc, spans, s.cfg.IDBucketSize)
	for _, dropErr := range dropped {
		logger.Debug("dropped analysis span", zap.Error(dropErr))
	}

	var result UpdateResult
	err = sess.Apply(ticket, func(m *highlight.Manager) {
		result.Changed = m.Update(highlights)
		result.Highlights = m.Highlights()
	})
	if err != nil {
		logger.Debug("discarding analysis result", zap.Error(err))
		return UpdateResult{}, err
	}
	logger.Info("highlights updated",
		zap.Int("highlights", len(result.Highlights)),
		zap.Bool("changed", result.Changed),
	)
	return result, nil
}

// ApplyHighlights replaces the session's highlight set with a precomputed one.
// Entries failing validation are dropped and logged.
func (s *Service) ApplyHighlights(sessionID string, highlights []highlight.Highlight) (UpdateResult, error) {
	sess := s.registry.Get(sessionID)
	ticket := sess.Begin()

	prepared, dropped := highlight.Prepare(highlights, s.cfg.IDBucketSize)
	for _, dropErr := range dropped {
		s.logger.Debug("dropped highlight", zap.String("session_id", sessionID), zap.Error(dropErr))
	}

	var result UpdateResult
	err := sess.Apply(ticket, func(m *highlight.Manager) {
		result.Changed = m.Update(prepared)
		result.Highlights = m.Highlights()
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return result, nil
}

// do runs fn against an existing session. Reads and navigation never create one.
func (s *Service) do(sessionID string, fn func(*highlight.Manager) error) error {
	sess, ok := s.registry.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	return sess.Do(fn)
}

func (s *Service) Highlights(sessionID string) ([]highlight.Highlight, error) {
	var highlights []highlight.Highlight
	err := s.do(sessionID, func(m *highlight.Manager) error {
		highlights = m.Highlights()
		return nil
	})
	return highlights, err
}

func (s *Service) Highlight(sessionID, id string) (highlight.Highlight, error) {
	var h highlight.Highlight
	err := s.do(sessionID, func(m *highlight.Manager) error {
		var err error
		h, err = m.Get(id)
		return err
	})
	return h, err
}

// Select makes id the current highlight and asks the session's focus sink to
// show it. focused reports whether a sink showed it. A sink failure leaves the
// selection in place and is returned wrapped in highlight.ErrFocusFailed
// alongside the highlight.
func (s *Service) Select(ctx context.Context, sessionID, id string) (h highlight.Highlight, focused bool, err error) {
	err = s.do(sessionID, func(m *highlight.Manager) error {
		var err error
		h, err = m.Select(ctx, id)
		focused = err == nil && m.FocusSink() != nil
		return err
	})
	if errors.Is(err, highlight.ErrFocusFailed) {
		s.logger.Warn("focus failed", zap.String("session_id", sessionID), zap.String("highlight_id", id), zap.Error(err))
	}
	return h, focused, err
}

func (s *Service) Next(sessionID string) (highlight.NextResult, error) {
	var result highlight.NextResult
	err := s.do(sessionID, func(m *highlight.Manager) error {
		result = m.Next()
		return nil
	})
	return result, err
}

func (s *Service) MarkExplained(sessionID, id string) (highlight.Progress, error) {
	var progress highlight.Progress
	err := s.do(sessionID, func(m *highlight.Manager) error {
		if err := m.MarkExplained(id); err != nil {
			return err
		}
		progress = m.Progress()
		return nil
	})
	return progress, err
}

// ProgressReport is the explanation progress together with the lifecycle state.
type ProgressReport struct {
	highlight.Progress
	State        highlight.State `json:"state"`
	AllExplained bool            `json:"allExplained"`
	ExplainedIDs []string        `json:"explainedIds"`
}

func (s *Service) Progress(sessionID string) (ProgressReport, error) {
	var report ProgressReport
	err := s.do(sessionID, func(m *highlight.Manager) error {
		report = ProgressReport{
			Progress:     m.Progress(),
			State:        m.State(),
			AllExplained: m.AllExplained(),
			ExplainedIDs: m.ExplainedIDs(),
		}
		return nil
	})
	return report, err
}

// Attach routes focus requests for the session to sink.
func (s *Service) Attach(sessionID string, sink highlight.FocusSink) error {
	return s.registry.Get(sessionID).Do(func(m *highlight.Manager) error {
		m.SetFocusSink(sink)
		return nil
	})
}

// Connect holds the session for a live connection, so it is not swept while
// the connection is open, and routes its focus requests to sink. Each Connect
// is paired with one Release.
func (s *Service) Connect(sessionID string, sink highlight.FocusSink) (*session.Session, error) {
	sess := s.registry.Hold(sessionID)
	err := sess.Do(func(m *highlight.Manager) error {
		m.SetFocusSink(sink)
		return nil
	})
	if err != nil {
		s.registry.Release(sess)
		return nil, err
	}
	return sess, nil
}

// Release ends a connection's hold on sess. The sink is detached only if it is
// still the attached one. The session is removed, cancelling analysis in
// flight, once no other connection holds it.
func (s *Service) Release(sess *session.Session, sink highlight.FocusSink) bool {
	_ = sess.Do(func(m *highlight.Manager) error {
		if sameSink(m.FocusSink(), sink) {
			m.SetFocusSink(nil)
		}
		return nil
	})
	removed := s.registry.Release(sess)
	if removed {
		s.logger.Info("session closed", zap.String("session_id", sess.ID))
	}
	return removed
}

// sameSink compares sinks without panicking on uncomparable types such as
// highlight.FocusFunc.
func sameSink(a, b highlight.FocusSink) bool {
	if a == nil || b == nil || !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

// Disconnect removes the session, cancelling any analysis in flight.
func (s *Service) Disconnect(sessionID string) bool {
	removed := s.registry.Remove(sessionID)
	if removed {
		s.logger.Info("session closed", zap.String("session_id", sessionID))
	}
	return removed
}

// HandleMessage applies an inbound message to the session and returns the
// messages to send back. Superseded updates produce no reply.
func (s *Service) HandleMessage(ctx context.Context, sessionID string, msg Inbound) []any {
	switch m := msg.(type) {
	case TextUpdate:
		result, err := s.ApplyText(ctx, sessionID, m.Content)
		return s.updateReplies(result, err)
	case HighlightsUpdate:
		result, err := s.ApplyHighlights(sessionID, m.Highlights)
		return s.updateReplies(result, err)
	case SelectHighlight:
		if _, _, err := s.Select(ctx, sessionID, m.ID); err != nil {
			if errors.Is(err, highlight.ErrFocusFailed) {
				return []any{warningMessage(err.Error())}
			}
			return []any{errorMessage(err.Error())}
		}
		return nil
	case MarkExplained:
		progress, err := s.MarkExplained(sessionID, m.ID)
		if err != nil {
			return []any{errorMessage(err.Error())}
		}
		return []any{ExplainedMessage{Type: typeMarkExplained, ID: m.ID, Progress: progress}}
	case NextHighlight:
		result, err := s.Next(sessionID)
		if err != nil {
			return []any{errorMessage(err.Error())}
		}
		return []any{NextMessage{Type: typeNextHighlight, Result: result}}
	}
	return []any{errorMessage(fmt.Sprintf("unsupported message %T", msg))}
}

func (s *Service) updateReplies(result UpdateResult, err error) []any {
	switch {
	case err == nil:
		if !result.Changed {
			return nil
		}
		return []any{suggestionMessage(result.Highlights)}
	case errors.Is(err, session.ErrStale), errors.Is(err, session.ErrClosed):
		return nil
	case errors.Is(err, analysis.ErrAnalysisUnavailable):
		return []any{warningMessage("Analysis is unavailable; showing the previous highlights.")}
	}
	return []any{errorMessage(err.Error())}
}
