package indexing

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/indexplane/pkg/metastore"
	"github.com/ChuLiYu/indexplane/pkg/serviceerr"
)

// ToStatus converts an error returned by the indexing service into a gRPC
// status error. The status message is the bare message so that FromStatus
// rebuilds an error with the same text.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	indexingErr := FromError(err)
	msg := indexingErr.Message
	if indexingErr.Metastore != nil {
		msg = indexingErr.Metastore.Message
	}
	return status.Error(serviceerr.GRPCCode(indexingErr.ErrorCode()), msg)
}

// FromStatus rebuilds an indexing error from a gRPC status error received
// from a peer. Errors that are not statuses are classified by FromError.
func FromStatus(err error) *Error {
	if err == nil {
		return nil
	}
	if statusErr := fromStatusError(err); statusErr != nil {
		return statusErr
	}
	return FromError(err)
}

func fromStatusError(err error) *Error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return nil
	}

	msg := st.Message()
	switch st.Code() {
	case codes.DeadlineExceeded:
		return NewTimeout(msg)
	case codes.Unavailable, codes.Canceled:
		return NewUnavailable(msg)
	case codes.Unimplemented:
		return NewUnimplemented(msg)
	case codes.NotFound:
		return FromMetastore(metastore.NewError(metastore.KindNotFound, "%s", msg))
	case codes.AlreadyExists:
		return FromMetastore(metastore.NewError(metastore.KindAlreadyExists, "%s", msg))
	case codes.InvalidArgument:
		return FromMetastore(metastore.NewError(metastore.KindInvalidArgument, "%s", msg))
	default:
		return NewInternal(msg)
	}
}
