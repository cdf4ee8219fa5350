package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusBadRequest, Fatal},
		{http.StatusUnprocessableEntity, Fatal},
		{http.StatusNotFound, Fatal},
		{http.StatusRequestTimeout, Transient},
		{http.StatusTooManyRequests, Transient},
		{http.StatusInternalServerError, Fatal},
		{http.StatusNotImplemented, Fatal},
		{http.StatusBadGateway, Transient},
		{http.StatusServiceUnavailable, Transient},
		{http.StatusGatewayTimeout, Transient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, KindForStatus(tt.status))
		})
	}
}

func TestClassification(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")

	fatal := NewFatal("decode", cause)
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))
	assert.True(t, errors.Is(fatal, cause))
	assert.Contains(t, fatal.Error(), "fatal inference failure during decode")

	transient := FromStatus("segment", http.StatusServiceUnavailable, cause)
	assert.True(t, IsTransient(transient))
	assert.False(t, IsFatal(transient))
	assert.Contains(t, transient.Error(), "status 503")

	wrapped := fmt.Errorf("worker: %w", fatal)
	assert.True(t, IsFatal(wrapped))

	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(cause), "unclassified errors are retried")
	assert.False(t, IsTransient(nil))
}
