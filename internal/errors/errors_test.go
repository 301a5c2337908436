package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKBError_Unwrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")

	err := Transient("embedding backend unreachable", cause)

	require.NotNil(t, err)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestKBError_Error_IncludesCodeAndCause(t *testing.T) {
	tests := []struct {
		name     string
		err      *KBError
		expected string
	}{
		{
			name:     "no cause",
			err:      New(ErrCodeQueryEmpty, "query is empty", nil),
			expected: "[ERR_405_QUERY_EMPTY] query is empty",
		},
		{
			name:     "cause differs from message",
			err:      Transient("ocr failed", errors.New("dial tcp: refused")),
			expected: "[ERR_301_PROVIDER_UNAVAILABLE] ocr failed: dial tcp: refused",
		},
		{
			name:     "wrapped message not repeated",
			err:      Wrap(ErrCodeInternal, errors.New("boom")),
			expected: "[ERR_501_INTERNAL] boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestKBError_Is_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("rebuild: %w", IndexBuild("vector build failed", errors.New("disk full")))

	assert.True(t, errors.Is(err, &KBError{Code: ErrCodeIndexBuildFailed}))
	assert.False(t, errors.Is(err, &KBError{Code: ErrCodeInternal}))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
		fatal     bool
	}{
		{"provider unavailable", Transient("down", errors.New("refused")), true, false, false},
		{"provider timeout", Transient("slow", context.DeadlineExceeded), true, false, false},
		{"bare deadline", context.DeadlineExceeded, true, false, false},
		{"bare cancel", fmt.Errorf("embed: %w", context.Canceled), true, false, false},
		{"malformed input", Permanent("bad pdf", nil), false, true, false},
		{"unsupported format", Unsupported(".xyz"), false, true, false},
		{"dimension mismatch", DimensionMismatch("m", 768, 384), false, false, true},
		{"config invalid", Configuration("bad", nil), false, false, true},
		{"index build", IndexBuild("failed", nil), false, false, false},
		{"plain error", errors.New("plain"), false, false, false},
		{"nil", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err), "transient")
			assert.Equal(t, tt.permanent, IsPermanent(tt.err), "permanent")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "fatal")
		})
	}
}

func TestTransient_DeadlineUsesTimeoutCode(t *testing.T) {
	err := Transient("embed timed out", fmt.Errorf("post: %w", context.DeadlineExceeded))
	assert.Equal(t, ErrCodeProviderTimeout, err.Code)
	assert.Equal(t, CategoryProvider, err.Category)
	assert.Equal(t, SeverityWarning, err.Severity)
}

func TestDimensionMismatch_Details(t *testing.T) {
	err := DimensionMismatch("nomic-embed-text", 768, 384)

	assert.Equal(t, "768", err.Details["expected"])
	assert.Equal(t, "384", err.Details["got"])
	assert.NotEmpty(t, err.Suggestion)
	assert.False(t, err.Retryable)
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeUnsupportedFormat, GetCode(fmt.Errorf("x: %w", Unsupported(".bin"))))
	assert.Empty(t, GetCode(errors.New("plain")))
}
