package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodePermissionDenied   = Code(codes.PermissionDenied)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusConflict,
	CodePermissionDenied:   http.StatusForbidden,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

// Machine-readable rejection reasons, stable across transports.
const (
	ReasonInvalidSpec              = "INVALID_SPEC"
	ReasonNotHost                  = "NOT_HOST"
	ReasonInvalidState             = "INVALID_STATE"
	ReasonSessionFull              = "SESSION_FULL"
	ReasonSessionNotJoinable       = "SESSION_NOT_JOINABLE"
	ReasonInsufficientParticipants = "INSUFFICIENT_PARTICIPANTS"
	ReasonScoreRegression          = "SCORE_REGRESSION"
	ReasonNotParticipant           = "NOT_PARTICIPANT"
	ReasonStoreUnavailable         = "STORE_UNAVAILABLE"
)

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s += fmt.Sprintf(", reason: %s", e.Reason)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// Reason extracts the machine-readable reason of err, or "" for plain errors.
func Reason(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}

	return e.Reason
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithReason(reason string) Option {
	return optionFunc(func(e *Error) {
		e.Reason = reason
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
