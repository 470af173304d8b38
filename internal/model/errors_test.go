package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := NewError(KindResourceExhausted, "create session", "project %s full", "p1")

	assert.True(t, errors.Is(err, ErrResourceExhausted))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "create session: project p1 full", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, errors.Is(wrapped, ErrResourceExhausted))
	assert.Equal(t, KindResourceExhausted, KindOf(wrapped))
}

func TestWrapError(t *testing.T) {
	cause := errors.New("fork failed")
	err := WrapError(KindSpawn, "spawn", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrSpawn))
	assert.Equal(t, "spawn: SpawnError: fork failed", err.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(context.Canceled))
	assert.Equal(t, KindBindTimeout, KindOf(NewError(KindBindTimeout, "bind", "timed out")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindValidation, false},
		{KindInvalidProject, false},
		{KindNotFound, false},
		{KindInternal, false},
		{KindResourceExhausted, true},
		{KindSpawn, true},
		{KindConnection, true},
		{KindConnectionRejected, true},
		{KindBindTimeout, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(NewError(tt.kind, "op", "x")))
		})
	}
	assert.False(t, IsRetryable(nil))

	missing := NewError(KindNotFound, "get session", "session s1 not found")
	assert.False(t, IsRetryable(WrapError(KindConnectionRejected, "bind", missing)))
	invalid := NewError(KindValidation, "", "session s1 is closed")
	assert.False(t, IsRetryable(WrapError(KindConnectionRejected, "bind", invalid)))
	assert.True(t, IsRetryable(WrapError(KindConnectionRejected, "bind", errors.New("circuit open"))))
}
