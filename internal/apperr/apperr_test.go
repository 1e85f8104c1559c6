package apperr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"familycore/internal/apperr"
)

func TestKindOfUnclassifiedDefaultsToInternal(t *testing.T) {
	require.Equal(t, apperr.KindInternal, apperr.KindOf(errors.New("plain")))
}

func TestKindOfClassified(t *testing.T) {
	err := apperr.New(apperr.KindBadInput, "missing field")
	require.Equal(t, apperr.KindBadInput, apperr.KindOf(err))
	require.True(t, apperr.BadInput(err))
	require.False(t, apperr.Unauthorized(err))
}

func TestWrapPreservesUnwrapChain(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := apperr.Wrap(apperr.KindTransientBackend, "store: get", cause)

	require.ErrorIs(t, wrapped, cause)
	require.Equal(t, apperr.KindTransientBackend, apperr.KindOf(wrapped))
	require.Contains(t, wrapped.Error(), "connection reset")
}

func TestUnauthorizedHelper(t *testing.T) {
	err := apperr.New(apperr.KindUnauthorized, "not a member")
	require.True(t, apperr.Unauthorized(err))
}
