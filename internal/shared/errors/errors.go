package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors used across module boundaries.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrBadRequest    = errors.New("bad request")
	ErrConflict      = errors.New("resource conflict")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUpstream      = errors.New("upstream unavailable")
	ErrInternal      = errors.New("internal error")
)

// HubError is an application error carrying an HTTP status and the
// HuggingFace-compatible error code emitted in the X-Error-Code header.
type HubError struct {
	Code       string `json:"-"`
	Message    string `json:"-"`
	StatusCode int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *HubError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *HubError) Unwrap() error {
	return e.Err
}

// Response is the JSON body shape for HF-compatible errors.
type Response struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ToResponse converts the error into its JSON body.
func (e *HubError) ToResponse() Response {
	return Response{Error: e.Code, Message: e.Message}
}

// Header returns the value for the X-Error-Code header.
func (e *HubError) Header() string {
	return e.Code
}

func newError(code, message string, status int, err error) *HubError {
	return &HubError{Code: code, Message: message, StatusCode: status, Err: err}
}

// RepoNotFound reports a missing repository.
func RepoNotFound(repoID string) *HubError {
	return newError("RepoNotFound",
		fmt.Sprintf("Repository %s not found", repoID),
		http.StatusNotFound, ErrNotFound)
}

// RevisionNotFound reports a missing branch or commit.
func RevisionNotFound(rev string) *HubError {
	return newError("RevisionNotFound",
		fmt.Sprintf("Revision %s not found", rev),
		http.StatusNotFound, ErrNotFound)
}

// EntryNotFound reports a missing path inside a revision.
func EntryNotFound(path string) *HubError {
	return newError("EntryNotFound",
		fmt.Sprintf("Entry %s not found", path),
		http.StatusNotFound, ErrNotFound)
}

// RepoExists reports a create collision on (type, namespace, name).
func RepoExists(repoID string) *HubError {
	return newError("RepoExists",
		fmt.Sprintf("Repository %s already exists", repoID),
		http.StatusConflict, ErrConflict)
}

// InvalidRepoType reports an unknown repository type segment.
func InvalidRepoType(t string) *HubError {
	return newError("InvalidRepoType",
		fmt.Sprintf("Invalid repository type %q", t),
		http.StatusBadRequest, ErrBadRequest)
}

// InvalidRepoID reports a malformed namespace/name identifier.
func InvalidRepoID(id string) *HubError {
	return newError("InvalidRepoId",
		fmt.Sprintf("Invalid repository id %q", id),
		http.StatusBadRequest, ErrBadRequest)
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(message string) *HubError {
	if message == "" {
		message = "Authentication required"
	}
	return newError("Unauthorized", message, http.StatusUnauthorized, ErrUnauthorized)
}

// Forbidden reports an authenticated principal lacking permission.
func Forbidden(message string) *HubError {
	if message == "" {
		message = "Access denied"
	}
	return newError("Forbidden", message, http.StatusForbidden, ErrForbidden)
}

// BadRequest reports a malformed request.
func BadRequest(message string) *HubError {
	return newError("BadRequest", message, http.StatusBadRequest, ErrBadRequest)
}

// QuotaExceeded reports a storage admission failure. Responses use 413 so
// the HF client surfaces the shortfall instead of retrying.
func QuotaExceeded(message string) *HubError {
	return newError("QuotaExceeded", message, http.StatusRequestEntityTooLarge, ErrQuotaExceeded)
}

// UpstreamUnavailable reports a failed call to LakeFS, S3 or a peer.
func UpstreamUnavailable(message string, err error) *HubError {
	return newError("UpstreamUnavailable", message, http.StatusBadGateway, errors.Join(ErrUpstream, err))
}

// ServerError reports an unexpected internal failure.
func ServerError(message string, err error) *HubError {
	return newError("ServerError", message, http.StatusInternalServerError, errors.Join(ErrInternal, err))
}

// StatusCode returns the HTTP status for any error.
func StatusCode(err error) int {
	var he *HubError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsHub converts any error into a HubError, wrapping unknown errors
// as ServerError.
func AsHub(err error) *HubError {
	var he *HubError
	if errors.As(err, &he) {
		return he
	}
	return ServerError("Internal server error", err)
}

// IsNotFound reports whether the error is any of the not-found kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
