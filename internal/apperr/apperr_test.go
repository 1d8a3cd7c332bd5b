package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errPoolFull = Conflict("pool_full", "pool is full")

func TestIs_MatchesKindAndCode(t *testing.T) {
	wrapped := fmt.Errorf("join p1: %w", errPoolFull)

	assert.True(t, errors.Is(wrapped, errPoolFull))
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, Conflict("already_member", "already a member")))
}

func TestUnavailable(t *testing.T) {
	assert.Nil(t, Unavailable("routing", nil))

	cause := errors.New("dial tcp: timeout")
	err := Unavailable("routing", cause)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "routing unavailable: dial tcp: timeout", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NotFound("x", "x"), http.StatusNotFound},
		{errPoolFull, http.StatusConflict},
		{Forbidden("x", "x"), http.StatusForbidden},
		{InvalidArgument("x", "x"), http.StatusBadRequest},
		{Unavailable("store", errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}
