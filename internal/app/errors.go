package app

import (
	"errors"
	"fmt"
	"net/http"

	"margin/api/internal/analysis"
	"margin/api/internal/highlight"
	"margin/api/internal/session"
)

// ErrMalformedMessage is returned for inbound messages that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, highlight.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), nil
	case errors.Is(err, ErrMalformedMessage):
		return http.StatusBadRequest, "MALFORMED_MESSAGE", err.Error(), nil
	case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrStale):
		return http.StatusConflict, "SESSION_CLOSED", err.Error(), nil
	case errors.Is(err, analysis.ErrAnalysisUnavailable):
		return http.StatusServiceUnavailable, "ANALYSIS_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
