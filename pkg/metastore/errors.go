package metastore

import (
	"fmt"

	"github.com/ChuLiYu/indexplane/pkg/serviceerr"
)

// ErrorKind classifies a metastore failure.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidArgument
	KindTimeout
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindInvalidArgument:
		return "invalid argument"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is the error type returned by every Metastore implementation.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorCode implements serviceerr.ServiceError.
func (e *Error) ErrorCode() serviceerr.Code {
	switch e.Kind {
	case KindNotFound:
		return serviceerr.NotFound
	case KindAlreadyExists:
		return serviceerr.AlreadyExists
	case KindInvalidArgument:
		return serviceerr.BadRequest
	case KindTimeout:
		return serviceerr.Timeout
	case KindUnavailable:
		return serviceerr.Unavailable
	default:
		return serviceerr.Internal
	}
}

// NewError builds a metastore error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
