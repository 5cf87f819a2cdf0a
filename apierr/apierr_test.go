package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:      400,
		KindInvalidGrant:    400,
		KindUnauthorized:    401,
		KindForbidden:       403,
		KindInstallExpired:  403,
		KindNotFound:        404,
		KindConflict:        409,
		KindAlreadyInit:     409,
		KindLocked:          423,
		KindRateLimited:     429,
		KindInternal:        500,
		Kind("unknown-kind"): 500,
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.StatusCode(), "kind %q", kind)
	}
}

func TestErrorMessage(t *testing.T) {
	e := New(KindNotFound, "user not found")
	require.Equal(t, "not_found: user not found", e.Error())

	bare := &Error{Kind: KindInternal}
	require.Equal(t, "internal", bare.Error())
}

func TestWithDetailAndCode(t *testing.T) {
	e := New(KindValidation, "bad input").
		WithDetail(map[string]any{"field": "email"}).
		WithCode("invalid_email")
	require.Equal(t, "email", e.Detail["field"])
	require.Equal(t, "invalid_email", e.Code)
}

func TestInternalHidesCause(t *testing.T) {
	e := Internal()
	require.Equal(t, KindInternal, e.Kind)
	require.NotContains(t, e.Error(), "db connection refused")
}

func TestAs(t *testing.T) {
	require.Nil(t, As(nil))
	require.Nil(t, As(errors.New("plain error")))

	wrapped := New(KindConflict, "dup")
	require.Same(t, wrapped, As(wrapped))
}
