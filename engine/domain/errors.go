package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure at the transport/contract level.
type ErrorKind string

const (
	// KindTimeout is a transport timeout (deadline exceeded, upstream too slow).
	KindTimeout ErrorKind = "timeout"
	// KindRequest is a transport failure other than a timeout (connect refused, DNS).
	KindRequest ErrorKind = "request"
	// KindAPI is a non-success HTTP status from the upstream.
	KindAPI ErrorKind = "api"
	// KindParse is a malformed or contract-violating upstream payload.
	KindParse ErrorKind = "parse"
)

// ErrorCode is the closed, user-facing error taxonomy.
type ErrorCode string

const (
	CodeUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamRateLimit   ErrorCode = "UPSTREAM_RATE_LIMIT"
	CodeUpstreamAuth        ErrorCode = "UPSTREAM_AUTH"
	CodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	CodeRetrievalFailed     ErrorCode = "RETRIEVAL_FAILED"
	CodeNoMatch             ErrorCode = "NO_MATCH"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

// ProviderError carries enough information for classification without
// re-inspecting the transport layer. StatusCode is zero for non-HTTP failures.
type ProviderError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
}

func (e *ProviderError) Error() string { return e.Message }

// NewProviderError builds a ProviderError with a formatted message.
func NewProviderError(kind ErrorKind, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// MapStatusCode maps an upstream HTTP status to an ErrorCode.
func MapStatusCode(status int) ErrorCode {
	switch {
	case status == 401 || status == 403:
		return CodeUpstreamAuth
	case status == 429:
		return CodeUpstreamRateLimit
	case status == 408 || status == 504:
		return CodeUpstreamTimeout
	case status == 500 || status == 502 || status == 503:
		return CodeUpstreamUnavailable
	case status >= 400 && status < 500:
		return CodeUpstreamError
	case status >= 500 && status < 600:
		return CodeUpstreamUnavailable
	default:
		return CodeUpstreamError
	}
}

// Classify maps an error to the taxonomy. Provider errors are classified
// by kind and status; anything else is an internal error.
func Classify(err error) ErrorCode {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return CodeInternalError
	}
	switch pe.Kind {
	case KindTimeout:
		return CodeUpstreamTimeout
	case KindRequest:
		return CodeUpstreamUnavailable
	case KindParse:
		return CodeInternalError
	case KindAPI:
		if pe.StatusCode != 0 {
			return MapStatusCode(pe.StatusCode)
		}
		return CodeUpstreamError
	default:
		return CodeUpstreamError
	}
}

// retryableStatuses are the HTTP statuses worth replaying.
var retryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// Retryable reports whether a failed attempt is safe to replay. Timeouts
// and transport failures always are; HTTP errors only for a narrow status
// set; parse failures never, since they indicate a contract violation
// rather than a transient fault.
func Retryable(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindTimeout, KindRequest:
		return true
	case KindAPI:
		return retryableStatuses[pe.StatusCode]
	default:
		return false
	}
}

// ShouldDegrade reports whether a code is eligible for a degraded
// best-effort answer. Internal errors are not: they surface as hard
// generic failures.
func ShouldDegrade(code ErrorCode) bool {
	switch code {
	case CodeUpstreamTimeout, CodeUpstreamRateLimit, CodeUpstreamAuth,
		CodeUpstreamUnavailable, CodeUpstreamError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description for an error code.
func Description(code ErrorCode) string {
	switch code {
	case CodeUpstreamTimeout:
		return "the upstream service timed out, please retry shortly"
	case CodeUpstreamRateLimit:
		return "the upstream service is rate limiting requests"
	case CodeUpstreamAuth:
		return "upstream authentication failed, check the API token"
	case CodeUpstreamUnavailable:
		return "the upstream service is unavailable, please retry shortly"
	case CodeUpstreamError:
		return "the upstream service returned an error"
	case CodeRetrievalFailed:
		return "retrieval failed, check the vector store configuration"
	case CodeNoMatch:
		return "no relevant documents were found, try a different question"
	case CodeInternalError:
		return "internal service error, contact the engineering team"
	default:
		return "unknown error"
	}
}
