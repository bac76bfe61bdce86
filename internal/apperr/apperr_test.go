package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	notFound := NotFound("channel not found")
	wrapped := fmt.Errorf("channelRepo.GetByKey: %w", notFound)

	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))
	assert.True(t, errors.Is(wrapped, notFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(Forbidden("x")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(DuplicateKey("x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("x")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(Unauthorized("x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestMessageOfHidesInternalDetails(t *testing.T) {
	assert.Equal(t, "internal error", MessageOf(errors.New("pq: connection refused")))
	assert.Equal(t, "internal error", MessageOf(Wrap(CodeInternal, "db", errors.New("x"))))
	assert.Equal(t, "not a member", MessageOf(Forbidden("not a member")))
}
