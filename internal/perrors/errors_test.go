package perrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpstreamErrorClassification(t *testing.T) {
	err := UpstreamError("upstream.Summarize", 500, errors.New("boom"))

	assert.True(t, IsUpstreamError(err))
	assert.False(t, IsNetworkError(err))
	assert.Equal(t, 500, UpstreamStatus(err))
}

func TestNetworkErrorClassification(t *testing.T) {
	err := NetworkErrorf("upstream.Forward", errors.New("dial tcp: timeout"))

	assert.True(t, IsNetworkError(err))
	assert.False(t, IsUpstreamError(err))
	assert.Equal(t, 0, UpstreamStatus(err))
}

func TestIsCancelledAndTooSmall(t *testing.T) {
	assert.True(t, IsCancelled(ErrCancelled))
	assert.True(t, IsTooSmall(ErrTooSmall))
	assert.False(t, IsCancelled(ErrTooSmall))
}

func TestProxyErrorUnwrap(t *testing.T) {
	wrapped := errors.New("root cause")
	err := NetworkErrorf("op", wrapped)
	assert.True(t, errors.Is(err, ErrNetworkError))

	var pe *ProxyError
	require := func(ok bool) {
		if !ok {
			t.Fatal("expected errors.As to find a *ProxyError")
		}
	}
	require(errors.As(err, &pe))
	assert.Equal(t, "op", pe.Op)
}

func TestProxyErrorMessageFallback(t *testing.T) {
	pe := &ProxyError{Message: "custom message"}
	assert.Equal(t, "custom message", pe.Error())

	pe2 := &ProxyError{Kind: "network"}
	assert.Equal(t, "network error", pe2.Error())
}
