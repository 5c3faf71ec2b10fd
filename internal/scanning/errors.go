package scanning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind classifies a failed extraction call
type Kind int

const (
	KindUnknown Kind = iota
	KindFileTooLarge
	KindInvalidCredential
	KindRateLimited
	KindNetworkError
	KindInvalidResponse
	KindAPIError
)

func (k Kind) String() string {
	switch k {
	case KindFileTooLarge:
		return "FILE_TOO_LARGE"
	case KindInvalidCredential:
		return "INVALID_CREDENTIAL"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindNetworkError:
		return "NETWORK_ERROR"
	case KindInvalidResponse:
		return "INVALID_RESPONSE"
	case KindAPIError:
		return "API_ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets kinds appear by name in JSON payloads
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ErrTruncated is wrapped by failures caused by a reply that was cut short
var ErrTruncated = errors.New("response truncated")

// ErrUnreadableDocument is wrapped by failures where the upload could not be
// turned into a payload, so no request reached the model
var ErrUnreadableDocument = errors.New("document could not be read")

// ScanError is a classified extraction failure
type ScanError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *ScanError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient
func (e *ScanError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindNetworkError
}

func newScanError(kind Kind, err error, format string, args ...any) *ScanError {
	return &ScanError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func unreadableDocument(err error) *ScanError {
	return newScanError(KindInvalidResponse, fmt.Errorf("%w: %w", ErrUnreadableDocument, err),
		"document could not be read before sending it to the model: %v", err)
}

// KindOf returns the classification of err, or KindUnknown
func KindOf(err error) Kind {
	var se *ScanError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient classified failure
func IsRetryable(err error) bool {
	var se *ScanError
	return errors.As(err, &se) && se.Retryable()
}

// ClassifyStatus maps a non-2xx HTTP status and its error message to a failure
func ClassifyStatus(status int, message string, cause error) *ScanError {
	message = strings.TrimSpace(message)
	switch {
	case status == 400 && mentionsCredential(message):
		return newScanError(KindInvalidCredential, cause, "invalid API key: %s", message)
	case status == 401 || status == 403:
		return newScanError(KindInvalidCredential, cause, "API key rejected (status %d): %s", status, message)
	case status == 429:
		return newScanError(KindRateLimited, cause, "rate limited (status 429): %s", message)
	default:
		return newScanError(KindAPIError, cause, "API error (status %d): %s", status, message)
	}
}

func mentionsCredential(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "api key") || strings.Contains(m, "api_key") ||
		strings.Contains(m, "credential") || strings.Contains(m, "permission denied")
}

// classifyTransport wraps a transport-level failure, or returns nil when err is not one
func classifyTransport(err error) *ScanError {
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newScanError(KindNetworkError, err, "request timed out: %v", err)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return newScanError(KindNetworkError, err, "network error: %v", err)
	}
	return nil
}
