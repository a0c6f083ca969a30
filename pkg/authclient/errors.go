package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
)

var (
	// ErrNetworkUnreachable is returned when the backend could not be reached
	// or did not answer in time. Credentials are never wiped for it.
	ErrNetworkUnreachable = errors.New("authclient: backend unreachable")

	// ErrRefreshDidNotRotate is returned when a refresh response hands back
	// the credentials that were just consumed.
	ErrRefreshDidNotRotate = errors.New("authclient: refresh did not rotate credentials")

	// ErrSubjectMismatch is returned when the backend answers for a
	// different user than the one whose session is held locally.
	ErrSubjectMismatch = errors.New("authclient: subject mismatch")

	// ErrAuthenticationExpired means the session is over and the user must
	// sign in again. Local credentials have been wiped.
	ErrAuthenticationExpired = errors.New("authclient: authentication expired")

	// ErrNoRefreshCredential is returned when neither the backend nor the
	// local cache can supply a refresh credential.
	ErrNoRefreshCredential = errors.New("authclient: no refresh credential available")

	// ErrMalformedResponse is returned when a success response is missing
	// required fields or is not valid JSON.
	ErrMalformedResponse = errors.New("authclient: malformed response")

	// ErrNotAuthenticated is returned when no session is stored.
	ErrNotAuthenticated = errors.New("authclient: not authenticated")

	// ErrInvalidRequest is returned when a request fails local validation
	// before anything is sent.
	ErrInvalidRequest = errors.New("authclient: invalid request")

	// ErrPersistenceVerificationFailed is re-exported for callers that only
	// import this package.
	ErrPersistenceVerificationFailed = credstore.ErrPersistenceVerificationFailed
)

// ErrorKind classifies a non-success backend response.
type ErrorKind int

const (
	// KindValidation covers 4xx responses the caller can fix.
	KindValidation ErrorKind = iota
	// KindServer covers 5xx responses.
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// APIError is a non-2xx backend response that did not trigger the
// refresh path.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authclient: %s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
}

// RefreshRejectedError is returned when the backend refused a refresh.
// CredentialInvalid separates a dead credential (400/401/403 or a message
// saying so) from a transient server failure. Local credentials are wiped
// in both cases.
type RefreshRejectedError struct {
	StatusCode        int
	Message           string
	CredentialInvalid bool
}

func (e *RefreshRejectedError) Error() string {
	reason := "server failure"
	if e.CredentialInvalid {
		reason = "credential invalid"
	}
	return fmt.Sprintf("authclient: refresh rejected (HTTP %d, %s): %s", e.StatusCode, reason, e.Message)
}

// parseErrorResponse turns a non-2xx body into an APIError. The envelope
// message is used when present, else the status text.
func parseErrorResponse(status int, body []byte) *APIError {
	kind := KindValidation
	if status >= http.StatusInternalServerError {
		kind = KindServer
	}

	return &APIError{
		StatusCode: status,
		Kind:       kind,
		Message:    errorMessage(status, body),
	}
}

func newRefreshRejected(status int, body []byte) *RefreshRejectedError {
	msg := errorMessage(status, body)

	invalid := status == http.StatusBadRequest ||
		status == http.StatusUnauthorized ||
		status == http.StatusForbidden
	if lower := strings.ToLower(msg); strings.Contains(lower, "invalid") || strings.Contains(lower, "expired") {
		invalid = true
	}

	return &RefreshRejectedError{StatusCode: status, Message: msg, CredentialInvalid: invalid}
}

func errorMessage(status int, body []byte) string {
	var env struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Message != "" {
			return env.Message
		}
		if env.Error != "" {
			return env.Error
		}
	}
	return fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
}

// isAuthFailure reports whether status means the access credential was
// not accepted.
func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
