// Package serviceerr holds the coarse-grained error codes shared by every
// service of the cluster, and their gRPC equivalents.
package serviceerr

import (
	"errors"

	"google.golang.org/grpc/codes"
)

// Code classifies a service error for cross-service reporting.
type Code int

const (
	Internal Code = iota
	AlreadyExists
	BadRequest
	NotFound
	Timeout
	TooManyRequests
	Unavailable
	Unimplemented
)

func (c Code) String() string {
	switch c {
	case Internal:
		return "internal"
	case AlreadyExists:
		return "already_exists"
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	case TooManyRequests:
		return "too_many_requests"
	case Unavailable:
		return "unavailable"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// ServiceError is implemented by every error a service returns to its
// callers.
type ServiceError interface {
	error
	ErrorCode() Code
}

// CodeOf returns the code of the first ServiceError in err's chain, or
// Internal when there is none.
func CodeOf(err error) Code {
	var serviceErr ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.ErrorCode()
	}
	return Internal
}

// GRPCCode maps a service error code to a gRPC status code.
func GRPCCode(code Code) codes.Code {
	switch code {
	case AlreadyExists:
		return codes.AlreadyExists
	case BadRequest:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case Timeout:
		return codes.DeadlineExceeded
	case TooManyRequests:
		return codes.ResourceExhausted
	case Unavailable:
		return codes.Unavailable
	case Unimplemented:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// FromGRPCCode is the inverse of GRPCCode. Codes without a counterpart are
// reported as Internal.
func FromGRPCCode(code codes.Code) Code {
	switch code {
	case codes.AlreadyExists:
		return AlreadyExists
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return BadRequest
	case codes.NotFound:
		return NotFound
	case codes.DeadlineExceeded:
		return Timeout
	case codes.ResourceExhausted:
		return TooManyRequests
	case codes.Unavailable, codes.Canceled:
		return Unavailable
	case codes.Unimplemented:
		return Unimplemented
	default:
		return Internal
	}
}

// Retryable reports whether a caller may retry an operation that failed
// with code.
func Retryable(code Code) bool {
	switch code {
	case Timeout, Unavailable, TooManyRequests:
		return true
	default:
		return false
	}
}
