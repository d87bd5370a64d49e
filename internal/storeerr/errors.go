// Package storeerr defines the error taxonomy shared by the store, the
// stream state machine and the coordinator (spec.md §7), and maps it to
// gRPC status codes for the external RPC surface (spec.md §6).
package storeerr

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind tags which taxonomy bucket an error belongs to.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidArgument
	KindStaled
	KindCorruption
	KindDBClosed
	KindIO
	KindNotCommandLeader
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindStaled:
		return "Staled"
	case KindCorruption:
		return "Corruption"
	case KindDBClosed:
		return "DBClosed"
	case KindIO:
		return "IO"
	case KindNotCommandLeader:
		return "NotCommandLeader"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged error, analogous to the teacher's wrapped
// pkg/errors chains but carrying a Kind a transport layer can switch on.
type Error struct {
	kind Kind
	msg  string
	wrap error
}

func (e *Error) Error() string {
	if e.wrap != nil {
		return e.kind.String() + ": " + e.msg + ": " + e.wrap.Error()
	}
	return e.kind.String() + ": " + e.msg
}

func (e *Error) Unwrap() error { return e.wrap }

// KindOf returns the taxonomy bucket err falls into, or KindUnknown if err
// isn't one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

func newErr(k Kind, msg string, wrap error) *Error { return &Error{kind: k, msg: msg, wrap: wrap} }

func NotFound(msg string) error        { return newErr(KindNotFound, msg, nil) }
func AlreadyExists(msg string) error   { return newErr(KindAlreadyExists, msg, nil) }
func InvalidArgument(msg string) error { return newErr(KindInvalidArgument, msg, nil) }
func Staled(msg string) error          { return newErr(KindStaled, msg, nil) }
func Corruption(msg string) error      { return newErr(KindCorruption, msg, nil) }
func DBClosed(msg string) error        { return newErr(KindDBClosed, msg, nil) }
func NotCommandLeader(msg string) error { return newErr(KindNotCommandLeader, msg, nil) }

// IO wraps an underlying I/O error, keeping its message via Unwrap so
// pkg/errors-style callers can still inspect the cause.
func IO(msg string, cause error) error { return newErr(KindIO, msg, cause) }

// ToGRPC maps err to the gRPC status spec.md §6 prescribes:
// NotFound→NotFound, AlreadyExists→AlreadyExists,
// InvalidArgument→InvalidArgument, Staled→FailedPrecondition,
// Corruption→DataLoss, everything else→Internal/Unavailable as appropriate.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case KindAlreadyExists:
		return status.Error(codes.AlreadyExists, err.Error())
	case KindInvalidArgument:
		return status.Error(codes.InvalidArgument, err.Error())
	case KindStaled:
		return status.Error(codes.FailedPrecondition, err.Error())
	case KindCorruption:
		return status.Error(codes.DataLoss, err.Error())
	case KindDBClosed:
		return status.Error(codes.Unavailable, err.Error())
	case KindNotCommandLeader:
		return status.Error(codes.FailedPrecondition, err.Error())
	case KindIO:
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
