package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubError(t *testing.T) {
	err := RepoNotFound("alice/bert")
	assert.Equal(t, 404, err.StatusCode)
	assert.Equal(t, "RepoNotFound", err.Header())
	assert.Equal(t, "Repository alice/bert not found", err.Error())
	assert.Equal(t, Response{Error: "RepoNotFound", Message: "Repository alice/bert not found"}, err.ToResponse())
	assert.True(t, IsNotFound(err))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"hub error", QuotaExceeded("too big"), 413},
		{"wrapped hub error", fmt.Errorf("ctx: %w", Unauthorized("")), 401},
		{"sentinel", fmt.Errorf("ctx: %w", ErrForbidden), 403},
		{"upstream", UpstreamUnavailable("store down", errors.New("dial")), 502},
		{"unknown", errors.New("boom"), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestAsHub(t *testing.T) {
	he := BadRequest("nope")
	assert.Same(t, he, AsHub(fmt.Errorf("outer: %w", he)))

	wrapped := AsHub(errors.New("boom"))
	assert.Equal(t, "ServerError", wrapped.Code)
	assert.Equal(t, 500, wrapped.StatusCode)
}

func TestDefaultMessages(t *testing.T) {
	assert.Equal(t, "Authentication required", Unauthorized("").Message)
	assert.Equal(t, "Access denied", Forbidden("").Message)
}
