package apperrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeUnauthenticated: http.StatusUnauthorized,
		CodeForbidden:       http.StatusForbidden,
		CodeNotFound:        http.StatusNotFound,
		CodeConflict:        http.StatusConflict,
		CodeExpired:         http.StatusGone,
		CodeUpstreamFailure: http.StatusInternalServerError,
	}
	for code, status := range cases {
		err := New(code, "boom")
		assert.Equal(t, status, err.HTTPStatus())
	}
}

func TestUnknownCodeDefaultsTo500(t *testing.T) {
	err := &Error{Code: Code("made_up")}
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
}

func TestWrapHidesCauseFromMessage(t *testing.T) {
	cause := errors.New("redis: connection refused")
	err := Wrap(CodeUpstreamFailure, "could not reach store", cause)

	assert.NotContains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}

func TestAsExtractsTaxonomyError(t *testing.T) {
	var err error = NotFound("room missing")

	extracted, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, CodeNotFound, extracted.Code)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestUpstreamFailureRedactsCause(t *testing.T) {
	err := UpstreamFailure(errors.New("secret internal detail"))
	assert.NotContains(t, err.Error(), "secret internal detail")
	assert.Equal(t, CodeUpstreamFailure, err.Code)
}
