package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesKind(t *testing.T) {
	err := fmt.Errorf("accept: %w", Conflict("listing %s has %s units left", "lst_1", "2.0"))

	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "accept: listing lst_1 has 2.0 units left", err.Error())
}

func TestChainSubmission(t *testing.T) {
	timeout := ChainSubmission(context.DeadlineExceeded, true)
	assert.ErrorIs(t, timeout, ErrChainSubmission)
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)
	assert.True(t, IsRetryable(timeout))

	rejected := ChainSubmission(errors.New("reverted"), false)
	assert.False(t, IsRetryable(rejected))
	assert.Contains(t, rejected.Error(), "reverted")
}

func TestKindOf_Plain(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, "not_found", NotFound("").Error())
}
