package fault

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Transport("transport.dial", errors.New("connection refused"))
	wrapped := errors.Wrap(base, "connect")
	wrappedStd := fmt.Errorf("outer: %w", wrapped)

	assert.Equal(t, KindTransport, KindOf(base))
	assert.Equal(t, KindTransport, KindOf(wrapped))
	assert.Equal(t, KindTransport, KindOf(wrappedStd))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.True(t, Is(wrapped, KindTransport))
	assert.False(t, Is(nil, KindTransport))
}

func TestHTTPStatusKind(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusOK, KindUnknown},
		{http.StatusBadRequest, KindRejected},
		{http.StatusUnprocessableEntity, KindRejected},
		{http.StatusRequestTimeout, KindTransport},
		{http.StatusTooManyRequests, KindTransport},
		{http.StatusBadGateway, KindTransport},
		{http.StatusServiceUnavailable, KindTransport},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusKind(tt.code))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transport("op", nil)))
	assert.True(t, IsRetryable(errors.New("unclassified")))
	assert.False(t, IsRetryable(Rejected("op", nil)))
	assert.False(t, IsRetryable(Validation("op", "bad payload")))
	assert.False(t, IsRetryable(nil))
}

func TestErrorMessage(t *testing.T) {
	err := FromStatus("logs.post", http.StatusBadRequest, "missing entries")
	assert.Equal(t, KindRejected, err.Kind)
	assert.Contains(t, err.Error(), "logs.post: DeliveryRejected")
	assert.Contains(t, err.Error(), "missing entries")
}
