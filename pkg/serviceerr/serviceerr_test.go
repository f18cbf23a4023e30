package serviceerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

type fakeError struct{ code Code }

func (e fakeError) Error() string   { return "fake" }
func (e fakeError) ErrorCode() Code { return e.code }

func TestGRPCCodeRoundTrip(t *testing.T) {
	all := []Code{Internal, AlreadyExists, BadRequest, NotFound, Timeout, TooManyRequests, Unavailable, Unimplemented}
	for _, code := range all {
		t.Run(code.String(), func(t *testing.T) {
			assert.Equal(t, code, FromGRPCCode(GRPCCode(code)))
		})
	}
	assert.Equal(t, Internal, FromGRPCCode(codes.DataLoss))
	assert.Equal(t, Unavailable, FromGRPCCode(codes.Canceled))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, NotFound, CodeOf(fakeError{NotFound}))
	assert.Equal(t, Timeout, CodeOf(fmt.Errorf("wrapped: %w", fakeError{Timeout})))
	assert.Equal(t, Internal, CodeOf(fmt.Errorf("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Timeout))
	assert.True(t, Retryable(Unavailable))
	assert.True(t, Retryable(TooManyRequests))
	assert.False(t, Retryable(Internal))
	assert.False(t, Retryable(Unimplemented))
	assert.False(t, Retryable(NotFound))
}
