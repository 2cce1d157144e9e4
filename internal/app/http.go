package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"margin/api/internal/highlight"
	"margin/api/internal/util"
)

const maxBodyBytes = 4 << 20

var errIDRequired = domainError(http.StatusBadRequest, "ID_REQUIRED", "id is required", nil)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.corsOrigin == "*" || origin == s.corsOrigin
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.handleWebSocket(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	sessionID := sessionIDFrom(r)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "SESSION_REQUIRED", "X-Session-ID header or session query parameter is required", nil)
		return
	}

	switch {
	case parts[0] == "highlights":
		s.handleHighlights(w, r, sessionID, parts[1:])
	case parts[0] == "messages" && len(parts) == 1 && r.Method == http.MethodPost:
		s.handleMessages(w, r, sessionID)
	case parts[0] == "session" && len(parts) == 1 && r.Method == http.MethodDelete:
		writeJSON(w, http.StatusOK, map[string]any{"removed": s.service.Disconnect(sessionID)})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"analysis": map[string]any{"status": "ok", "engine": s.service.engine.Name()},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["analysis"] = map[string]any{
			"status": "error",
			"engine": s.service.engine.Name(),
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleHighlights(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		highlights, err := s.service.Highlights(sessionID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if highlights == nil {
			highlights = []highlight.Highlight{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"highlights": highlights})
		return
	}

	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch {
	case parts[0] == "next" && r.Method == http.MethodGet:
		result, err := s.service.Next(sessionID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case parts[0] == "progress" && r.Method == http.MethodGet:
		report, err := s.service.Progress(sessionID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case parts[0] == "select" && r.Method == http.MethodPost:
		s.handleSelect(w, r, sessionID)
	case parts[0] == "explained" && r.Method == http.MethodPost:
		var body struct {
			ID string `json:"id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.ID) == "" {
			writeMappedError(w, errIDRequired)
			return
		}
		progress, err := s.service.MarkExplained(sessionID, body.ID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": body.ID, "progress": progress})
	case r.Method == http.MethodGet:
		h, err := s.service.Highlight(sessionID, parts[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSelect(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ID) == "" {
		writeMappedError(w, errIDRequired)
		return
	}

	h, focused, err := s.service.Select(r.Context(), sessionID, body.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"highlight": h, "focused": focused})
	case errors.Is(err, highlight.ErrFocusFailed):
		writeJSON(w, http.StatusOK, map[string]any{"highlight": h, "focused": false, "warning": err.Error()})
	default:
		writeMappedError(w, err)
	}
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "unreadable body", nil)
		return
	}
	msg, err := DecodeInbound(data)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	replies := s.service.HandleMessage(r.Context(), sessionID, msg)
	if replies == nil {
		replies = []any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": replies})
}

// sessionIDFrom reads the session from the X-Session-ID header, falling back to
// the session query parameter.
func sessionIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Session-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("session"))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Session-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
