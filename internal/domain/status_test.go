package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusFailed, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, true},
		{StatusProcessing, StatusCancelled, false},
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusQueued, false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, Status("paused").IsValid())
}
