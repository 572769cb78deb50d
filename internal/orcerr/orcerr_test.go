package orcerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
		ok   bool
	}{
		{"plain error", errors.New("boom"), "", false},
		{"orcerr", New(KindTimeout, 1, "agent step timed out"), KindTimeout, true},
		{"wrapped orcerr", fmt.Errorf("outer: %w", New(KindClientError, 2, "bad body")), KindClientError, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, ok := KindOf(tc.err)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindTransientInfrastructure, 1, "db timeout")))
	assert.False(t, IsRetryable(New(KindAgentExecutionError, 1, "agent failed")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(KindClientError))
	assert.Equal(t, 409, HTTPStatus(KindDeadlockSuspected))
	assert.Equal(t, 503, HTTPStatus(KindTransientInfrastructure))
	assert.Equal(t, 500, HTTPStatus(KindAgentExecutionError))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindTransientInfrastructure, 7, "db query failed", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "db query failed")
}
