package bridge

import (
	"errors"
	"fmt"

	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/state"
)

// Sentinel errors returned by the bridge. Callers should use errors.Is.
var (
	// ErrProviderRejected covers every failed exchange with the provider:
	// invalid or reused code, mismatched redirect URI, bad id_token, non-2xx
	// profile response.
	ErrProviderRejected = errors.New("bridge: provider rejected the request")

	// ErrProviderUnavailable is a provider call that timed out or could not
	// connect. It wraps ErrProviderRejected.
	ErrProviderUnavailable = fmt.Errorf("%w: provider unavailable", ErrProviderRejected)

	// ErrMissingSubjectClaim is returned when no stable external identifier
	// can be read from the provider's profile or id_token.
	ErrMissingSubjectClaim = errors.New("bridge: missing subject claim")

	// ErrInvalidReturnURL is returned for return URLs that are not absolute
	// http(s) URLs or whose origin is not allowed.
	ErrInvalidReturnURL = errors.New("bridge: invalid return url")

	// ErrMissingCode is returned when a callback carries neither a code nor
	// a provider error.
	ErrMissingCode = errors.New("bridge: callback carries no code")
)

// Error codes placed in the relay fragment. Provider-sent error codes (for
// example access_denied) are relayed unchanged.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidState   = "invalid_state"
	CodeAccessDenied   = "access_denied"
	CodeServerError    = "server_error"
)

// providerError carries an error code and description reported by the
// provider on its callback.
type providerError struct {
	code        string
	description string
}

func (e *providerError) Error() string {
	if e.description == "" {
		return "bridge: provider returned " + e.code
	}
	return "bridge: provider returned " + e.code + ": " + e.description
}

// ErrorCode maps an error to the code relayed to the browser. Internal
// failures collapse to server_error; their detail stays in the server log.
func ErrorCode(err error) string {
	var pe *providerError
	switch {
	case errors.As(err, &pe):
		return pe.code
	case errors.Is(err, state.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, ErrInvalidReturnURL),
		errors.Is(err, ErrMissingCode):
		return CodeInvalidRequest
	default:
		return CodeServerError
	}
}

// resultProviderError labels provider-reported errors outside the codes
// defined for the authorization endpoint.
const resultProviderError = "provider_error"

// authorizationErrorCodes are the error codes a provider may return to the
// redirect URI (RFC 6749 section 4.1.2.1).
var authorizationErrorCodes = map[string]bool{
	"invalid_request":           true,
	"unauthorized_client":       true,
	"access_denied":             true,
	"unsupported_response_type": true,
	"invalid_scope":             true,
	"server_error":              true,
	"temporarily_unavailable":   true,
}

// metricResult is the metrics label for err. Unlike ErrorCode its value set
// is fixed, since provider-sent codes arrive from the browser.
func metricResult(err error) string {
	var pe *providerError
	if errors.As(err, &pe) {
		if authorizationErrorCodes[pe.code] {
			return pe.code
		}
		return resultProviderError
	}
	return ErrorCode(err)
}

// errorDescription is the human-readable text relayed with a code. It never
// includes internal error detail.
func errorDescription(err error) string {
	var pe *providerError
	switch {
	case errors.As(err, &pe):
		return pe.description
	case errors.Is(err, state.ErrStateExpired):
		return "The sign-in attempt expired. Please try again."
	case errors.Is(err, state.ErrStateReplayed):
		return "The sign-in response was already used."
	case errors.Is(err, state.ErrInvalidState):
		return "The sign-in response could not be verified."
	case errors.Is(err, provider.ErrUnknownProvider):
		return "Unknown provider."
	case errors.Is(err, ErrInvalidReturnURL):
		return "The return URL is not allowed."
	case errors.Is(err, ErrMissingCode):
		return "The provider response carried no authorization code."
	default:
		return "An unexpected error occurred."
	}
}
