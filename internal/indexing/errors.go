// ============================================================================
// Indexing Service - Error Taxonomy
// ============================================================================
//
// Package: internal/indexing
// File: errors.go
// Function: The error type every indexing service operation returns
//
// Kinds:
//   Internal       "internal error: <msg>"      not retried
//   Metastore      "metastore error: <inner>"   code and retry follow the inner error
//   Timeout        "request timed out: <msg>"   retried
//   Unavailable    "service unavailable: <msg>" retried
//   Unimplemented  "<msg>"                      not retried
//
// Callers classify errors with errors.Is against the kind sentinels
// (ErrTimeout, ErrUnavailable, ...) or with serviceerr.CodeOf.
//
// ============================================================================

package indexing

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/indexplane/pkg/metastore"
	"github.com/ChuLiYu/indexplane/pkg/serviceerr"
)

// ServiceName identifies the indexing service in cross-service error
// reports and metric labels.
const ServiceName = "indexing"

// Kind is the variant of an indexing error.
type Kind int

const (
	KindInternal Kind = iota
	KindMetastore
	KindTimeout
	KindUnavailable
	KindUnimplemented
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindMetastore:
		return "metastore"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindUnimplemented:
		return "unimplemented"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kind sentinels, matched by errors.Is on any *Error of the same kind.
var (
	ErrInternal      = &Error{Kind: KindInternal}
	ErrMetastore     = &Error{Kind: KindMetastore}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrUnavailable   = &Error{Kind: KindUnavailable}
	ErrUnimplemented = &Error{Kind: KindUnimplemented}
)

// Error is returned by the indexing service and by the node boundary.
type Error struct {
	Kind    Kind
	Message string
	// Metastore is set only for KindMetastore.
	Metastore *metastore.Error
}

// NewInternal reports a failure inside the service.
func NewInternal(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}

// NewTimeout reports a request that did not complete in time.
func NewTimeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

// NewUnavailable reports a service that could not be reached.
func NewUnavailable(message string) *Error {
	return &Error{Kind: KindUnavailable, Message: message}
}

// NewUnimplemented reports an operation the node does not support.
func NewUnimplemented(message string) *Error {
	return &Error{Kind: KindUnimplemented, Message: message}
}

// FromMetastore wraps a metastore failure.
func FromMetastore(err *metastore.Error) *Error {
	return &Error{Kind: KindMetastore, Message: err.Error(), Metastore: err}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInternal:
		return "internal error: " + e.Message
	case KindMetastore:
		if e.Metastore != nil {
			return "metastore error: " + e.Metastore.Error()
		}
		return "metastore error: " + e.Message
	case KindTimeout:
		return "request timed out: " + e.Message
	case KindUnavailable:
		return "service unavailable: " + e.Message
	default:
		return e.Message
	}
}

// ErrorCode implements serviceerr.ServiceError.
func (e *Error) ErrorCode() serviceerr.Code {
	switch e.Kind {
	case KindMetastore:
		if e.Metastore != nil {
			return e.Metastore.ErrorCode()
		}
		return serviceerr.Internal
	case KindTimeout:
		return serviceerr.Timeout
	case KindUnavailable:
		return serviceerr.Unavailable
	case KindUnimplemented:
		return serviceerr.Unimplemented
	default:
		return serviceerr.Internal
	}
}

// Unwrap exposes the wrapped metastore error to errors.As.
func (e *Error) Unwrap() error {
	if e.Metastore == nil {
		return nil
	}
	return e.Metastore
}

// Is matches kind sentinels: an *Error with an empty message and no
// metastore error stands for every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Metastore == nil {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// Retryable reports whether the operation that failed with err may be
// attempted again. Errors that are not indexing errors are not retried.
func Retryable(err error) bool {
	var indexingErr *Error
	if !errors.As(err, &indexingErr) {
		return false
	}
	return serviceerr.Retryable(indexingErr.ErrorCode())
}

var _ serviceerr.ServiceError = (*Error)(nil)
