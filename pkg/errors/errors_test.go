package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPIErrorError(t *testing.T) {
	err := New("LIST_FAILED", "could not list notifications", http.StatusBadGateway)
	require.Equal(t, "could not list notifications", err.Error())

	wrapped := err.WithInternal(stderrors.New("connection refused"))
	require.Equal(t, "could not list notifications: connection refused", wrapped.Error())
}

func TestWrapKeepsOriginalError(t *testing.T) {
	cause := stderrors.New("dial tcp: timeout")
	err := Wrap(cause, "list notifications")

	require.ErrorIs(t, err, cause)
	require.Equal(t, ErrUnavailable.Code, err.Code)
	require.Equal(t, http.StatusServiceUnavailable, err.StatusCode)
}

func TestFromStatusMapsSentinels(t *testing.T) {
	cases := []struct {
		status int
		want   *APIError
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusTooManyRequests, ErrRateLimit},
		{http.StatusBadGateway, ErrUnavailable},
		{http.StatusInternalServerError, ErrServerError},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := FromStatus(tc.status, "", "")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFromStatusKeepsServerDetail(t *testing.T) {
	err := FromStatus(http.StatusNotFound, "NOTIFICATION_NOT_FOUND", "no such notification")
	require.Equal(t, "NOTIFICATION_NOT_FOUND", err.Code)
	require.Equal(t, "no such notification", err.Message)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFromError(t *testing.T) {
	require.Nil(t, FromError(nil))

	api := New("X", "boom", http.StatusBadRequest)
	require.Same(t, api, FromError(fmt.Errorf("outer: %w", api)))

	generic := FromError(stderrors.New("plain"))
	require.Equal(t, ErrServerError.Code, generic.Code)
}
