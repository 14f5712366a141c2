package apperr_test

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := apperr.New(apperr.CodeRateLimited, "slow down, retry in 1s")
	wrapped := fmt.Errorf("submit: %w", err)

	assert.ErrorIs(t, wrapped, apperr.ErrRateLimited)
	assert.NotErrorIs(t, wrapped, apperr.ErrValidation)
	assert.Equal(t, apperr.CodeRateLimited, apperr.CodeOf(wrapped))
	assert.Equal(t, "slow down, retry in 1s", apperr.MessageOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	err := apperr.Wrap(apperr.CodeTransportFailure, "send failed", io.ErrClosedPipe)

	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, apperr.CodeTransportFailure, apperr.CodeOf(err))
	assert.Equal(t, "send failed: io: read/write on closed pipe", err.Error())
}

func TestUnknownErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
	assert.Equal(t, "internal error", apperr.MessageOf(err))
	assert.Equal(t, http.StatusInternalServerError, apperr.CodeOf(err).HTTPStatus())
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, apperr.CodeNameTaken.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, apperr.CodeRateLimited.HTTPStatus())
	assert.Equal(t, http.StatusRequestEntityTooLarge, apperr.CodePayloadTooLarge.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, apperr.CodeInvalidSession.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, apperr.CodeValidation.HTTPStatus())
}

func TestRetryAfterSurvivesWrapping(t *testing.T) {
	err := &apperr.Error{Code: apperr.CodeRateLimited, Message: "slow down", RetryAfter: 1500 * time.Millisecond}
	wrapped := fmt.Errorf("admit: %w", err)

	assert.Equal(t, 1500*time.Millisecond, apperr.RetryAfterOf(wrapped))
	assert.Zero(t, apperr.RetryAfterOf(errors.New("plain")))
}
