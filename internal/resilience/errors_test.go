package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid input"), false},
		{"503", NewStatusError(errors.New("unavailable"), 503), true},
		{"400", NewStatusError(errors.New("bad"), 400), false},
		{"wrapped 429", eris.Wrap(NewStatusError(errors.New("slow"), 429), "producer: enrich"), true},
		{"conn reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"message", errors.New("Get https://x: tls handshake timeout"), true},
		{"rate limit text", errors.New("provider rate limit hit"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	assert.False(t, IsRateLimited(nil))
	assert.True(t, IsRateLimited(NewStatusError(errors.New("x"), 429)))
	assert.True(t, IsRateLimited(errors.New("429 Too Many Requests")))
	assert.True(t, IsRateLimited(errors.New("request throttled")))
	assert.False(t, IsRateLimited(NewStatusError(errors.New("x"), 503)))
}

func TestIsTimeout(t *testing.T) {
	assert.False(t, IsTimeout(nil))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(NewStatusError(errors.New("x"), 504)))
	assert.True(t, IsTimeout(errors.New("fetch: i/o timeout")))
	assert.False(t, IsTimeout(NewStatusError(errors.New("x"), 500)))
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, RetryableStatus(code), code)
	}
}
