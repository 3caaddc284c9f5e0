package instanceid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a MessagingError so callers can branch without parsing messages.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindAuthentication  Kind = "authentication"
	KindNotFound        Kind = "not_found"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindUnavailable     Kind = "unavailable"
	KindServerError     Kind = "server_error"
	KindAPIConnection   Kind = "api_connection"
	KindInternal        Kind = "internal"
	KindUnknown         Kind = "unknown"
)

// MessagingError is the only error type the client hands back to callers.
type MessagingError struct {
	Kind       Kind
	StatusCode int
	// Reason is the provider's short error code, e.g. "InvalidToken".
	Reason     string
	Message    string
	Payload    []byte
	RetryAfter time.Duration

	cause error
}

func (e *MessagingError) Error() string {
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("messaging %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("messaging %s: %s", e.Kind, msg)
}

func (e *MessagingError) Unwrap() error { return e.cause }

// KindOf returns the Kind of err, or KindUnknown if err is not a MessagingError.
func KindOf(err error) Kind {
	var me *MessagingError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool        { return KindOf(err) == KindNotFound }
func IsInvalidArgument(err error) bool { return KindOf(err) == KindInvalidArgument }

// Wrap classifies an error produced outside the client, e.g. by the FCM send API.
func Wrap(kind Kind, cause error) *MessagingError {
	return &MessagingError{Kind: kind, Message: cause.Error(), cause: cause}
}

func invalidArgument(msg string) *MessagingError {
	return &MessagingError{Kind: KindInvalidArgument, Message: msg}
}

func internalError(msg string, cause error) *MessagingError {
	return &MessagingError{Kind: KindInternal, Message: msg, cause: cause}
}

// HTTPError is the transport-level failure for a non-2xx exchange.
// It never leaves the package unclassified.
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.StatusCode)
}

// Classifier converts a transport failure into a domain error.
type Classifier interface {
	Classify(err error) *MessagingError
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) *MessagingError

func (f ClassifierFunc) Classify(err error) *MessagingError { return f(err) }

// DefaultClassifier maps HTTP statuses and network failures onto Kinds.
type DefaultClassifier struct{}

func (DefaultClassifier) Classify(err error) *MessagingError {
	if err == nil {
		return nil
	}

	var me *MessagingError
	if errors.As(err, &me) {
		return me
	}

	var he *HTTPError
	if errors.As(err, &he) {
		return classifyHTTP(he)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &MessagingError{Kind: KindAPIConnection, Message: err.Error(), cause: err}
	case errors.As(err, &netErr):
		return &MessagingError{Kind: KindAPIConnection, Message: err.Error(), cause: err}
	}

	return &MessagingError{Kind: KindUnknown, Message: err.Error(), cause: err}
}

func classifyHTTP(he *HTTPError) *MessagingError {
	reason, message := parseErrorPayload(he.Body)
	if message == "" {
		message = http.StatusText(he.StatusCode)
	}

	out := &MessagingError{
		StatusCode: he.StatusCode,
		Reason:     reason,
		Message:    message,
		Payload:    he.Body,
		cause:      he,
	}

	switch code := he.StatusCode; {
	case code == http.StatusBadRequest:
		out.Kind = KindInvalidArgument
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		out.Kind = KindAuthentication
	case code == http.StatusNotFound:
		out.Kind = KindNotFound
	case code == http.StatusTooManyRequests:
		out.Kind = KindQuotaExceeded
		out.RetryAfter = parseRetryAfter(he.Header.Get("Retry-After"), time.Now())
	case code == http.StatusServiceUnavailable:
		out.Kind = KindUnavailable
		out.RetryAfter = parseRetryAfter(he.Header.Get("Retry-After"), time.Now())
	case code >= 500:
		out.Kind = KindServerError
	default:
		out.Kind = KindUnknown
	}
	return out
}

// parseErrorPayload understands both {"error":"InvalidToken"} and
// {"error":{"message":"...","status":"..."}}.
func parseErrorPayload(body []byte) (reason, message string) {
	if len(body) == 0 {
		return "", ""
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return "", ""
	}

	var code string
	if err := json.Unmarshal(envelope.Error, &code); err == nil {
		return code, code
	}

	var detailed struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(envelope.Error, &detailed); err == nil {
		return detailed.Status, detailed.Message
	}
	return "", ""
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
