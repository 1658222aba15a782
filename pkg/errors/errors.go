package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    int    // Protocol error code, also used on the wire
	Kind    error  // Sentinel for errors.Is matching (optional)
	Message string // User-facing message
	Err     error  // Underlying error (optional)
}

const (
	ErrCodeConnectionFailed     = 1001
	ErrCodeJoinFailed           = 1002
	ErrCodeNotJoined            = 1003
	ErrCodeBelowMinIncrement    = 1004
	ErrCodeAuctionClosed        = 1005
	ErrCodeOwnerCannotBid       = 1006
	ErrCodeSubmissionInProgress = 1007
	ErrCodeBidRejected          = 1008
	ErrCodeTimeout              = 1009
	ErrCodeBadMessageFormat     = 1010
	ErrCodeUnknownMessageType   = 1011

	ErrCodeInternal = 500
)

// Sentinel kinds for the bidding protocol. Callers branch on these with
// errors.Is rather than on raw codes.
var (
	ErrConnectionFailed      = New(ErrCodeConnectionFailed, "connection failed")
	ErrJoinFailed            = New(ErrCodeJoinFailed, "join failed")
	ErrNotJoined             = New(ErrCodeNotJoined, "not joined to auction")
	ErrBelowMinimumIncrement = New(ErrCodeBelowMinIncrement, "increment below minimum")
	ErrAuctionClosed         = New(ErrCodeAuctionClosed, "auction is closed")
	ErrOwnerCannotBid        = New(ErrCodeOwnerCannotBid, "auction owner cannot bid")
	ErrSubmissionInProgress  = New(ErrCodeSubmissionInProgress, "another bid submission is in flight")
	ErrBidRejected           = New(ErrCodeBidRejected, "bid rejected by server")
	ErrTimeout               = New(ErrCodeTimeout, "timed out waiting for server acknowledgment")
)

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches AppErrors by code so wrapped errors compare equal to the
// sentinel kinds above.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) ToJSON() string {
	payload := struct {
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{
		Type:    "error",
		Code:    e.Code,
		Message: e.Message,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"type":"error","code":500,"message":"internal error"}`
	}
	return string(data)
}

// Wrapping utility
func Wrap(kind *AppError, err error, message string) *AppError {
	return &AppError{Code: kind.Code, Kind: kind, Message: message, Err: err}
}

// Error creation utility
func New(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithMessage derives a new error of the same kind with a specific message.
func WithMessage(kind *AppError, message string) *AppError {
	return &AppError{Code: kind.Code, Kind: kind, Message: message}
}

// Is and As re-export the standard library helpers so callers need a single
// errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
