package indexing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/indexplane/internal/mailbox"
	"github.com/ChuLiYu/indexplane/pkg/metastore"
	"github.com/ChuLiYu/indexplane/pkg/serviceerr"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

func TestErrorMessagesAndCodes(t *testing.T) {
	notFound := metastore.NewError(metastore.KindNotFound, "index foo")

	testCases := []struct {
		name      string
		err       *Error
		message   string
		code      serviceerr.Code
		retryable bool
	}{
		{"internal", NewInternal("m"), "internal error: m", serviceerr.Internal, false},
		{"metastore", FromMetastore(notFound), "metastore error: not found: index foo", serviceerr.NotFound, false},
		{"timeout", NewTimeout("m"), "request timed out: m", serviceerr.Timeout, true},
		{"unavailable", NewUnavailable("m"), "service unavailable: m", serviceerr.Unavailable, true},
		{"unimplemented", NewUnimplemented("m"), "m", serviceerr.Unimplemented, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.message, tc.err.Error())
			assert.Equal(t, tc.code, tc.err.ErrorCode())
			assert.Equal(t, tc.code, serviceerr.CodeOf(fmt.Errorf("wrapped: %w", tc.err)))
			assert.Equal(t, tc.retryable, Retryable(tc.err))
		})
	}
}

func TestMetastoreErrorDelegates(t *testing.T) {
	unavailable := FromMetastore(metastore.NewError(metastore.KindUnavailable, "catalogue missing"))
	assert.Equal(t, serviceerr.Unavailable, unavailable.ErrorCode())
	assert.True(t, Retryable(unavailable))

	var inner *metastore.Error
	require.True(t, errors.As(unavailable, &inner))
	assert.Equal(t, metastore.KindUnavailable, inner.Kind)
}

func TestKindSentinels(t *testing.T) {
	err := fmt.Errorf("apply plan: %w", NewTimeout("node-1"))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, FromMetastore(metastore.NewError(metastore.KindInternal, "x")), ErrMetastore)
	assert.ErrorIs(t, NewUnimplemented("kafka"), NewUnimplemented("kafka"))
	assert.NotErrorIs(t, NewUnimplemented("kafka"), NewUnimplemented("pulsar"))
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "indexing", ServiceName)
}

func TestRetryableIgnoresForeignErrors(t *testing.T) {
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(nil))
}

func TestFromAskError(t *testing.T) {
	t.Run("error reply passes through", func(t *testing.T) {
		reply := NewUnimplemented("source type `kafka` is not supported")
		got := FromAskError(&mailbox.AskError{Kind: mailbox.ErrorReply, Reply: reply})
		assert.Same(t, reply, got)
	})

	t.Run("foreign error reply is classified", func(t *testing.T) {
		got := FromAskError(&mailbox.AskError{Kind: mailbox.ErrorReply, Reply: errors.New("disk full")})
		assert.Equal(t, KindInternal, got.Kind)
		assert.Equal(t, "internal error: disk full", got.Error())
	})

	t.Run("not delivered", func(t *testing.T) {
		got := FromAskError(&mailbox.AskError{Kind: mailbox.MessageNotDelivered})
		assert.Equal(t, KindUnavailable, got.Kind)
		assert.Equal(t, "service unavailable: request could not be delivered to actor", got.Error())
	})

	t.Run("process error", func(t *testing.T) {
		got := FromAskError(&mailbox.AskError{Kind: mailbox.ProcessMessageError, Reply: errors.New("panic: x")})
		assert.Equal(t, KindInternal, got.Kind)
		assert.Equal(t, "internal error: an error occurred while processing the request", got.Error())
	})

	t.Run("unknown kind panics", func(t *testing.T) {
		assert.Panics(t, func() {
			FromAskError(&mailbox.AskError{Kind: mailbox.AskErrorKind(42)})
		})
	})
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	testCases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"deadline", fmt.Errorf("ask: %w", context.DeadlineExceeded), KindTimeout},
		{"cancelled", context.Canceled, KindUnavailable},
		{"missing pipeline uid", fmt.Errorf("%w: idx:src", types.ErrMissingPipelineUID), KindInternal},
		{"ask error", &mailbox.AskError{Kind: mailbox.MessageNotDelivered}, KindUnavailable},
		{"metastore", metastore.NewError(metastore.KindNotFound, "x"), KindMetastore},
		{"grpc unavailable", status.Error(codes.Unavailable, "connection refused"), KindUnavailable},
		{"grpc unimplemented", status.Error(codes.Unimplemented, "nope"), KindUnimplemented},
		{"anything else", errors.New("boom"), KindInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, FromError(tc.err).Kind)
		})
	}
}

func TestStatusRoundTrip(t *testing.T) {
	testCases := []*Error{
		NewInternal("pipeline crashed"),
		NewTimeout("apply took too long"),
		NewUnavailable("node draining"),
		NewUnimplemented("source type `kafka` is not supported"),
		FromMetastore(metastore.NewError(metastore.KindNotFound, "source idx:src")),
	}

	for _, original := range testCases {
		t.Run(original.Kind.String(), func(t *testing.T) {
			statusErr := ToStatus(original)
			st, ok := status.FromError(statusErr)
			require.True(t, ok)
			assert.Equal(t, serviceerr.GRPCCode(original.ErrorCode()), st.Code())

			decoded := FromStatus(statusErr)
			assert.Equal(t, original.Kind, decoded.Kind)
			assert.Equal(t, original.Error(), decoded.Error())
			assert.Equal(t, original.ErrorCode(), decoded.ErrorCode())
		})
	}
}

func TestToStatusKeepsExistingStatus(t *testing.T) {
	original := status.Error(codes.ResourceExhausted, "slow down")
	assert.Equal(t, original, ToStatus(original))
	assert.Nil(t, ToStatus(nil))
}
