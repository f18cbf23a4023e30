package indexing

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/indexplane/internal/mailbox"
	"github.com/ChuLiYu/indexplane/pkg/metastore"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

// FromAskError converts a failed mailbox request into an indexing error.
// Every AskErrorKind must be handled here; an unknown kind is a programming
// error and panics.
func FromAskError(err *mailbox.AskError) *Error {
	switch err.Kind {
	case mailbox.ErrorReply:
		var indexingErr *Error
		if errors.As(err.Reply, &indexingErr) {
			return indexingErr
		}
		return FromError(err.Reply)
	case mailbox.MessageNotDelivered:
		return NewUnavailable("request could not be delivered to actor")
	case mailbox.ProcessMessageError:
		return NewInternal("an error occurred while processing the request")
	default:
		panic(fmt.Sprintf("unhandled ask error kind: %s", err.Kind))
	}
}

// FromError classifies any error reaching the indexing service boundary.
// nil stays nil.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var indexingErr *Error
	if errors.As(err, &indexingErr) {
		return indexingErr
	}
	var askErr *mailbox.AskError
	if errors.As(err, &askErr) {
		return FromAskError(askErr)
	}
	var metastoreErr *metastore.Error
	if errors.As(err, &metastoreErr) {
		return FromMetastore(metastoreErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeout(err.Error())
	case errors.Is(err, context.Canceled):
		return NewUnavailable(err.Error())
	case errors.Is(err, types.ErrMissingPipelineUID):
		return NewInternal(err.Error())
	}

	if statusErr := fromStatusError(err); statusErr != nil {
		return statusErr
	}
	return NewInternal(err.Error())
}
