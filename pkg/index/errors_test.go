package index

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "with message",
			err:      &Error{Op: "Index", Err: ErrUnavailable, Msg: "connection refused"},
			expected: "Index: connection refused: index store unavailable",
		},
		{
			name:     "without message",
			err:      &Error{Op: "Delete", Err: ErrVersionConflict},
			expected: "Delete: revision conflict with stored document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	err := &Error{Op: "Index", Err: ErrVersionConflict}

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(&Error{Op: "Index", Err: ErrVersionConflict}))
	assert.True(t, IsConflict(fmt.Errorf("wrapped: %w", ErrVersionConflict)))
	assert.False(t, IsConflict(ErrUnavailable))
	assert.False(t, IsConflict(errors.New("other")))
	assert.False(t, IsConflict(nil))
}
