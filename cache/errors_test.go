package cache_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setulabs/skp-cache/cache"
)

func TestStructuredErrorMessages(t *testing.T) {
	underlying := errors.New("connection refused")

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "BackendError",
			err:      cache.NewBackendError("get", "user:1", underlying),
			expected: `cache backend error: get failed for key "user:1": connection refused`,
		},
		{
			name:     "BackendErrorNoKey",
			err:      cache.NewBackendError("scan", "", underlying),
			expected: "cache backend error: scan failed: connection refused",
		},
		{
			name:     "ConnectionError",
			err:      cache.NewConnectionError("ping", "localhost:6379", underlying),
			expected: "cache connection error: ping failed for localhost:6379: connection refused",
		},
		{
			name:     "CyclicDependency",
			err:      cache.NewCyclicDependencyError("x"),
			expected: `cache: cyclic dependency detected for key "x"`,
		},
		{
			name:     "VersionConflict",
			err:      cache.NewVersionConflictError("k", 0, 1),
			expected: `cache: version conflict for key "k": expected 0, got 1`,
		},
		{
			name:     "LockConflict",
			err:      cache.NewLockError("job:42"),
			expected: `cache: lock conflict for key "job:42"`,
		},
		{
			name:     "Internal",
			err:      cache.NewInternalError("slot filled twice"),
			expected: "cache internal error: slot filled twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	underlying := errors.New("boom")

	assert.ErrorIs(t, cache.NewBackendError("get", "k", underlying), underlying)
	assert.ErrorIs(t, cache.NewConnectionError("dial", "host", underlying), underlying)
	assert.ErrorIs(t, cache.NewSerializationError("marshal", underlying), underlying)
	assert.ErrorIs(t, cache.NewConfigError("field", "bad", underlying), underlying)
}

func TestErrorsAs(t *testing.T) {
	wrapped := cache.NewBackendError("set", "k", errors.New("io"))

	var backendErr *cache.BackendError
	require.ErrorAs(t, wrapped, &backendErr)
	assert.Equal(t, "set", backendErr.Op)
	assert.Equal(t, "k", backendErr.Key)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"Nil", nil, false},
		{"NotFound", cache.ErrNotFound, false},
		{"Backend", cache.NewBackendError("get", "k", errors.New("io")), true},
		{"Connection", cache.NewConnectionError("dial", "host", errors.New("refused")), true},
		{"Timeout", cache.ErrTimeout, true},
		{"Closed", cache.ErrClosed, true},
		{"Internal", cache.NewInternalError("bug"), true},
		{"Serialization", cache.NewSerializationError("marshal", errors.New("bad")), false},
		{"VersionConflict", cache.NewVersionConflictError("k", 1, 2), false},
		{"Cyclic", cache.NewCyclicDependencyError("k"), false},
		{"Lock", cache.NewLockError("k"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, cache.IsTransient(tt.err))
		})
	}
}
