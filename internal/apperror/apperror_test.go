package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCarriesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Transient(cause)

	// Operators reading logs or dead-letter rows need the root failure.
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)

	// Clients never see the internals.
	assert.Equal(t, ErrTransient.Message, SafeMessage(err))
}

func TestErrorWithoutCause(t *testing.T) {
	err := Invalid("bad_field", "field is required")
	assert.Equal(t, "field is required", err.Error())
}

func TestKindClassification(t *testing.T) {
	assert.True(t, IsRetryable(Transient(errors.New("x"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(Fatal(errors.New("x"), "invariant broken")))
	assert.False(t, IsRetryable(ErrConflict))
	assert.False(t, IsRetryable(Invalid("code", "msg")))
}

func TestStatusAndCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", Wrap(errors.New("root"), ErrNotFound))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Equal(t, "not_found", Code(err))
	assert.True(t, Is(err, ErrNotFound))
}
